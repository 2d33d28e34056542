package scanlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStorage        = errors.New("storage failure")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type List struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Columns       []string            `json:"columns"`
	Rows          []Row               `json:"rows"`
	CreatedAt     time.Time           `json:"createdAt"`
	ModifiedAt    time.Time           `json:"modifiedAt"`
	SinkURL       string              `json:"sinkUrl,omitempty"`
	DeliveredKeys map[string]struct{} `json:"-"`
	DeliveredSink string              `json:"deliveredSink,omitempty"`
	Recipient     Recipient           `json:"recipient"`
	Events        []Event             `json:"events,omitempty"`
}

// listJSON carries DeliveredKeys as a sorted array so the snapshot stays
// stable between saves.
type listJSON struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Columns       []string  `json:"columns"`
	Rows          []Row     `json:"rows"`
	CreatedAt     time.Time `json:"createdAt"`
	ModifiedAt    time.Time `json:"modifiedAt"`
	SinkURL       string    `json:"sinkUrl,omitempty"`
	DeliveredKeys []string  `json:"deliveredKeys"`
	DeliveredSink string    `json:"deliveredSink,omitempty"`
	Recipient     Recipient `json:"recipient"`
	Events        []Event   `json:"events,omitempty"`
}

func (l List) MarshalJSON() ([]byte, error) {
	columns := l.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := l.Rows
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(listJSON{
		ID:            l.ID,
		Name:          l.Name,
		Columns:       columns,
		Rows:          rows,
		CreatedAt:     l.CreatedAt,
		ModifiedAt:    l.ModifiedAt,
		SinkURL:       l.SinkURL,
		DeliveredKeys: sortedKeys(l.DeliveredKeys),
		DeliveredSink: l.DeliveredSink,
		Recipient:     l.Recipient,
		Events:        l.Events,
	})
}

func (l *List) UnmarshalJSON(data []byte) error {
	var raw listJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = List{
		ID:            raw.ID,
		Name:          raw.Name,
		Columns:       raw.Columns,
		Rows:          raw.Rows,
		CreatedAt:     raw.CreatedAt,
		ModifiedAt:    raw.ModifiedAt,
		SinkURL:       raw.SinkURL,
		DeliveredKeys: make(map[string]struct{}, len(raw.DeliveredKeys)),
		DeliveredSink: raw.DeliveredSink,
		Recipient:     raw.Recipient,
		Events:        raw.Events,
	}
	if l.Columns == nil {
		l.Columns = []string{}
	}
	if l.Rows == nil {
		l.Rows = []Row{}
	}
	for _, key := range raw.DeliveredKeys {
		l.DeliveredKeys[key] = struct{}{}
	}
	return nil
}

func (l *List) IsDelivered(key string) bool {
	_, ok := l.DeliveredKeys[key]
	return ok
}

func (l *List) RowIndex(key string) int {
	for i := range l.Rows {
		if l.Rows[i].Key() == key {
			return i
		}
	}
	return -1
}

func (l *List) clone() *List {
	out := *l
	out.Columns = append([]string(nil), l.Columns...)
	out.Rows = make([]Row, len(l.Rows))
	for i, row := range l.Rows {
		out.Rows[i] = row.clone()
	}
	out.DeliveredKeys = make(map[string]struct{}, len(l.DeliveredKeys))
	for key := range l.DeliveredKeys {
		out.DeliveredKeys[key] = struct{}{}
	}
	out.Events = append([]Event(nil), l.Events...)
	return &out
}

// Row is one captured record. Fields follow the list's columns positionally
// but may be shorter or longer than the schema.
type Row struct {
	Date   string
	Time   string
	Fields []string
}

func (r Row) Key() string {
	return r.Date + "T" + r.Time
}

// Split returns the fields aligned to columns (missing values become "") and
// the overflow values that have no column.
func (r Row) Split(columns []string) (aligned []string, extra []string) {
	aligned = make([]string, len(columns))
	for i := range columns {
		if i < len(r.Fields) {
			aligned[i] = r.Fields[i]
		}
	}
	if len(r.Fields) > len(columns) {
		extra = append([]string(nil), r.Fields[len(columns):]...)
	}
	return aligned, extra
}

func (r Row) MarshalJSON() ([]byte, error) {
	flat := make([]string, 0, len(r.Fields)+2)
	flat = append(flat, r.Date, r.Time)
	flat = append(flat, r.Fields...)
	return json.Marshal(flat)
}

func (r *Row) UnmarshalJSON(data []byte) error {
	var flat []string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if len(flat) < 2 {
		return fmt.Errorf("%w: row needs date and time, got %d values", ErrInvalidInput, len(flat))
	}
	r.Date = flat[0]
	r.Time = flat[1]
	r.Fields = append([]string{}, flat[2:]...)
	return nil
}

func (r Row) clone() Row {
	r.Fields = append([]string{}, r.Fields...)
	return r
}

type Settings struct {
	SinkURL   string    `json:"sinkUrl"`
	Recipient Recipient `json:"recipient"`
}

type Event struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	RowKey        string `json:"rowKey,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFailed    OutcomeStatus = "failed"
)

const (
	ReasonNoSink           = "no sink configured"
	ReasonNetwork          = "network"
	ReasonTimeout          = "timeout"
	ReasonRejected         = "rejected"
	ReasonRowNotFound      = "row not found"
	ReasonAlreadyDelivered = "already delivered"
)

type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

func Delivered() Outcome {
	return Outcome{Status: OutcomeDelivered}
}

func Skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

func Failed(reason string) Outcome {
	return Outcome{Status: OutcomeFailed, Reason: reason}
}

func httpFailureReason(status int) string {
	return fmt.Sprintf("http:%d", status)
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Status)
	}
	return string(o.Status) + "(" + o.Reason + ")"
}
