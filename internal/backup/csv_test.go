package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BartekS5/tabsync/pkg/logger"
	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/stretchr/testify/require"
)

func sampleExtract() *models.Extract {
	return &models.Extract{
		Name:       "students",
		Columns:    []string{"id", "name", "balance", "paid_timestamp"},
		PrimaryKey: "id",
		Rows: [][]models.Value{
			{models.Int(1), models.Text("Ann, Jr."), models.Float(10.5), models.Timestamp(time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC))},
			{models.Int(2), models.Text("Bo"), models.Null(), models.Null()},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleExtract()))
	require.Equal(t,
		"id,name,balance,paid_timestamp\n"+
			"1,\"Ann, Jr.\",10.5,2025-09-01 10:00:00\n"+
			"2,Bo,,\n",
		buf.String())
}

func TestWriteCSV_RaggedRow(t *testing.T) {
	ext := sampleExtract()
	ext.Rows[1] = ext.Rows[1][:2]
	require.ErrorContains(t, WriteCSV(&bytes.Buffer{}, ext), "row 1 has 2 values")
}

func TestWriter_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data_backup")
	w := NewWriter(dir, logger.Discard())
	w.Location = time.FixedZone("UTC+5", 5*3600)
	w.Now = func() time.Time { return time.Date(2025, 10, 1, 8, 30, 15, 0, time.UTC) }

	path, err := w.Save(sampleExtract())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "students__2025_10_01_13-30-15.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "id,name,balance,paid_timestamp\n")
}

func TestFileName_Unnamed(t *testing.T) {
	require.Equal(t, "unidentified__2025_01_02_03-04-05.csv",
		FileName("", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
}
