package commands

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink/hublink-go/pkg/log"
)

var t0 = time.Date(2024, 6, 1, 8, 30, 5, 123456000, time.UTC)

func sampleEvents() []log.Event {
	return []log.Event{
		{
			Timestamp:  t0,
			SessionID:  "abc12345-6789-0123-4567-890abcdef012",
			Direction:  log.DirectionOut,
			Layer:      log.LayerHTTP,
			Category:   log.CategoryExchange,
			RemoteHost: "api.example.com",
			HubSerial:  "H010-0123456",
			Exchange: &log.ExchangeEvent{
				Resource:     "/api/credentials",
				RequestSize:  120,
				ResponseSize: 3100,
				Signed:       true,
				Outcome:      "ok",
				Duration:     250 * time.Millisecond,
			},
		},
		{
			Timestamp: t0.Add(time.Second),
			Layer:     log.LayerLink,
			Category:  log.CategoryState,
			HubSerial: "H010-0123456",
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityLink,
				OldState: "CONNECTING",
				NewState: "SUBSCRIBING",
			},
		},
		{
			Timestamp: t0.Add(2 * time.Second),
			SessionID: "def67890-0000-0000-0000-000000000000",
			Direction: log.DirectionOut,
			Layer:     log.LayerBroker,
			Category:  log.CategoryMessage,
			HubSerial: "H010-0123456",
			Message: &log.MessageEvent{
				Topic:   "hubs/1/messages",
				Size:    40,
				Index:   1,
				Payload: []byte("5f0e1a2b 0010 Hub online: 01 08 30 05"),
			},
		},
		{
			Timestamp: t0.Add(3 * time.Second),
			Layer:     log.LayerLink,
			Category:  log.CategoryAlarm,
			Alarm:     &log.AlarmEvent{Kind: "FAILED_A_FEW_TIMES", Index: 3},
		},
		{
			Timestamp: t0.Add(4 * time.Second),
			Layer:     log.LayerBroker,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerBroker, Message: "connection lost", Context: "yield"},
		},
	}
}

func writeTrace(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.trace")
	logger, err := log.NewFileLogger(path, 0)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func TestFormatExchangeEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[0])
	out := buf.String()

	assert.Contains(t, out, "2024-06-01T08:30:05.123456Z [abc12345] OUT HTTP Exchange")
	assert.Contains(t, out, "POST api.example.com/api/credentials")
	assert.Contains(t, out, "Outcome: ok")
	assert.Contains(t, out, "Sizes: 120 bytes out, 3100 bytes in")
	assert.Contains(t, out, "Duration: 250.000ms")
}

func TestFormatOtherEvents(t *testing.T) {
	events := sampleEvents()
	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{name: "state", event: events[1], want: []string{"[-]", "LINK State", "CONNECTING -> SUBSCRIBING"}},
		{name: "message", event: events[2], want: []string{"BROKER Message", "Topic: hubs/1/messages (40 bytes)", "Index: 1"}},
		{name: "alarm", event: events[3], want: []string{"Alarm", "Kind: FAILED_A_FEW_TIMES  Index: 3"}},
		{name: "error", event: events[4], want: []string{"Error", "Message: connection lost", "Context: yield"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestReflectionLabel(t *testing.T) {
	e := log.Event{Message: &log.MessageEvent{Reflected: true}}
	assert.Equal(t, "Reflection", typeLabel(e))
}

func TestParseFlags(t *testing.T) {
	l, err := ParseLayer("Broker")
	require.NoError(t, err)
	assert.Equal(t, log.LayerBroker, l)
	_, err = ParseLayer("wire")
	assert.Error(t, err)

	d, err := ParseDirection("OUT")
	require.NoError(t, err)
	assert.Equal(t, log.DirectionOut, d)

	c, err := ParseCategory("alarm")
	require.NoError(t, err)
	assert.Equal(t, log.CategoryAlarm, c)
	_, err = ParseCategory("control")
	assert.Error(t, err)
}

func TestFilterOptionsBuild(t *testing.T) {
	f, err := FilterOptions{Layer: "link", TimeStart: "2024-06-01T08:30:06Z"}.Build()
	require.NoError(t, err)
	require.NotNil(t, f.Layer)
	assert.Equal(t, log.LayerLink, *f.Layer)
	require.NotNil(t, f.TimeStart)

	_, err = FilterOptions{TimeEnd: "yesterday"}.Build()
	assert.Error(t, err)
}

func TestRunView(t *testing.T) {
	path := writeTrace(t, sampleEvents())
	layer := log.LayerBroker

	var buf bytes.Buffer
	require.NoError(t, RunView(path, log.Filter{Layer: &layer}, &buf))
	out := buf.String()
	assert.Contains(t, out, "BROKER Message")
	assert.Contains(t, out, "BROKER Error")
	assert.NotContains(t, out, "HTTP Exchange")
}

func TestRunStats(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()
	assert.Contains(t, out, "Total Events: 5")
	assert.Contains(t, out, "Duration:   4s")
	assert.Contains(t, out, "ok:")
	assert.Contains(t, out, "SUBSCRIBING:")
	assert.Contains(t, out, "FAILED_A_FEW_TIMES:")
	assert.Contains(t, out, "Sessions: 2")
	assert.Contains(t, out, "Host: api.example.com")
	assert.Contains(t, out, "Errors: 1")
}

func TestRunFilter(t *testing.T) {
	path := writeTrace(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.trace")
	cat := log.CategoryState

	n, err := RunFilter(path, out, log.Filter{Category: &cat})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := log.NewReader(out)
	require.NoError(t, err)
	defer r.Close()
	events, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "SUBSCRIBING", events[0].StateChange.NewState)
}

func TestRunExport(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var jsonl bytes.Buffer
	require.NoError(t, RunExport(path, "jsonl", &jsonl))
	assert.Len(t, strings.Split(strings.TrimSpace(jsonl.String()), "\n"), 5)

	var csvOut bytes.Buffer
	require.NoError(t, RunExport(path, "csv", &csvOut))
	rows, err := csv.NewReader(&csvOut).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, "session_id", rows[0][1])
	assert.Equal(t, "/api/credentials ok", rows[1][7])
	assert.Equal(t, "3100", rows[1][8])

	assert.Error(t, RunExport(path, "xml", &bytes.Buffer{}))
}
