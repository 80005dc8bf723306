package utils

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ToValue converts a decoded JSON (or BSON) scalar into a typed cell.
// Nested objects and arrays are rendered as compact JSON text.
func ToValue(val interface{}) models.Value {
	switch v := val.(type) {
	case nil:
		return models.Null()
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return models.Int(i)
		}
		if f, err := v.Float64(); err == nil {
			return models.Float(f)
		}
		return models.Text(v.String())
	case int:
		return models.Int(int64(v))
	case int32:
		return models.Int(int64(v))
	case int64:
		return models.Int(v)
	case float32:
		return models.Float(float64(v))
	case float64:
		if v == float64(int64(v)) {
			return models.Int(int64(v))
		}
		return models.Float(v)
	case bool:
		return models.Text(strconv.FormatBool(v))
	case string:
		return models.Text(v)
	case time.Time:
		return models.Timestamp(v)
	case primitive.DateTime:
		return models.Timestamp(v.Time().UTC())
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return models.Text(fmt.Sprintf("%v", v))
		}
		return models.Text(string(b))
	default:
		return models.Text(fmt.Sprintf("%v", v))
	}
}

var dateTimeFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ConvertDateTime parses the datetime shapes the remote APIs emit.
func ConvertDateTime(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case primitive.DateTime:
		return v.Time(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, f := range dateTimeFormats {
			if t, err := time.Parse(f, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse datetime: %s", v)
	case []byte:
		return ConvertDateTime(string(v))
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to datetime", val)
	}
}

// ConvertToInt converts numeric-looking values to int.
func ConvertToInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	case []byte:
		return strconv.Atoi(string(v))
	default:
		return 0, fmt.Errorf("cannot convert %T to int", val)
	}
}
