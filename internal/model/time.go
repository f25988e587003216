package model

import (
	"fmt"
	"time"
)

// LocalTime 在 JSON 中以 "YYYY-MM-DD HH:MM:SS"（UTC）格式输出，用于管理端列表。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", time.Time(t).UTC().Format(timeFormat))), nil
}
