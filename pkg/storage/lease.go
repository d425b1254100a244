package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lease only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Lease is a best-effort Redis lock that keeps replicas of the service from
// running the same sweep at once.
type Lease struct {
	client Client
	key    string
	token  string
}

// AcquireLease returns nil without error when another holder owns name.
func AcquireLease(ctx context.Context, client Client, name string, ttl time.Duration) (*Lease, error) {
	key := fmt.Sprintf("%s:lease:%s", keyPrefix, name)
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: client, key: key, token: token}, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
