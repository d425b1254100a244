package ingestion

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeader(t *testing.T) {
	cases := map[string]string{
		" Site Number ": "site_number",
		"PATIENT_ID":    "patient_id",
		"Opened Date":   "opened_date",
		"term":          "term",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHeader(in))
	}
}

func TestReadTableCSV(t *testing.T) {
	table, err := ReadTable(strings.NewReader("\ufeffSite Number, Patient ID\n101,P-1\n\n,\n102\n"), "x.CSV")
	require.NoError(t, err)
	assert.Equal(t, []string{"site_number", "patient_id"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.Rows[0].Number)
	assert.Equal(t, "P-1", table.Rows[0].Get("patient_id"))
	assert.Equal(t, "102", table.Rows[1].Get("site_number"))
	assert.Equal(t, "", table.Rows[1].Get("patient_id"))
}

func TestReadTableRejectsUnknownExtension(t *testing.T) {
	_, err := ReadTable(strings.NewReader("a,b"), "x.txt")
	assert.ErrorIs(t, err, ErrUnreadableFile)
	assert.True(t, IsValidationError(err))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-03-05", "2024-03-05 13:45:00", "03/05/2024", "3/5/2024", "05-Mar-2024", "2024/03/05", "45356"} {
		got, err := parseDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %s", in, got)
	}

	for _, in := range []string{"", "soon", "2024-13-01"} {
		_, err := parseDate(in)
		assert.Error(t, err, in)
	}
}

func TestValidateColumns(t *testing.T) {
	require.NoError(t, ValidateColumns(CodingIssues, []string{"term", "patient_id", "site_number", "extra"}))

	err := ValidateColumns(VisitProjections, []string{"site_number", "patient_id", "visit_number"})
	assert.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "projected_date")
}

func TestParseFileType(t *testing.T) {
	ft, err := ParseFileType(" Missing_Labs ")
	require.NoError(t, err)
	assert.Equal(t, MissingLabs, ft)

	_, err = ParseFileType("labs")
	assert.ErrorIs(t, err, ErrUnknownFileType)
}
