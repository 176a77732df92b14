package spec

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func jsonDataType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

func scanJSON(value interface{}, dst interface{}) (bool, error) {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		return false, nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return false, fmt.Errorf("Failed to unmarshal json value: %v", value)
	}
	if len(bytes) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(bytes, dst)
}

// Parameters is a string map persisted as a json column
type Parameters map[string]string

func (p *Parameters) Scan(value interface{}) error {
	ok, err := scanJSON(value, p)
	if !ok && err == nil {
		*p = make(Parameters)
	}
	return err
}

func (p Parameters) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func (Parameters) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

func (p Parameters) Clone() Parameters {
	clone := make(Parameters, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

// Durations is an ordered list of offsets persisted as a json array of nanoseconds
type Durations []time.Duration

func (d *Durations) Scan(value interface{}) error {
	ok, err := scanJSON(value, d)
	if !ok && err == nil {
		*d = Durations{}
	}
	return err
}

func (d Durations) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]time.Duration(d))
	return string(b), err
}

func (Durations) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

// ParseDurations parses a comma separated list such as "1d,3d,7d" or "36h,72h".
// A "d" suffix is understood as 24 hours.
func ParseDurations(s string) (Durations, error) {
	parts := strings.Split(s, ",")
	out := make(Durations, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseDuration extends time.ParseDuration with a day unit
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
