package utils

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestToValue(t *testing.T) {
	require.Equal(t, models.Int(42), ToValue(json.Number("42")))
	require.Equal(t, models.Float(4.5), ToValue(json.Number("4.5")))
	require.Equal(t, models.Int(3), ToValue(float64(3)))
	require.Equal(t, models.Float(3.25), ToValue(3.25))
	require.Equal(t, models.Text("true"), ToValue(true))
	require.True(t, ToValue(nil).Null)
	require.Equal(t, models.Text(`{"a":1}`), ToValue(map[string]interface{}{"a": 1}))
	require.Equal(t, models.Text(`["x","y"]`), ToValue([]interface{}{"x", "y"}))

	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	require.Equal(t, models.Timestamp(now), ToValue(now))
}

func TestConvertDateTime(t *testing.T) {
	for _, in := range []string{"2025-09-01T08:00:00Z", "2025-09-01T08:00:00.000Z", "2025-09-01 08:00:00"} {
		got, err := ConvertDateTime(in)
		require.NoError(t, err, in)
		require.Equal(t, time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC), got.UTC())
	}

	_, err := ConvertDateTime("yesterday")
	require.Error(t, err)
	_, err = ConvertDateTime(12)
	require.Error(t, err)
}

func TestConvertToInt(t *testing.T) {
	v, err := ConvertToInt(" 17 ")
	require.NoError(t, err)
	require.Equal(t, 17, v)

	v, err = ConvertToInt(json.Number("9"))
	require.NoError(t, err)
	require.Equal(t, 9, v)

	_, err = ConvertToInt(struct{}{})
	require.Error(t, err)
}

func TestToSnakeCase(t *testing.T) {
	require.Equal(t, "head_teacher_first_name", ToSnakeCase("headTeacher_firstName"))
	require.Equal(t, "first_name", ToSnakeCase("FirstName"))
	require.Equal(t, "some_column", ToSnakeCase("some-column"))
	require.Equal(t, "id", ToSnakeCase("_id"))
	require.Equal(t, "branch_employee__role", ToSnakeCase("branchEmployee__role"))
}
