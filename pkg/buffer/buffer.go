package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/hublink/hublink-go/pkg/backoff"
)

// Default sizing.
const (
	DefaultCapacity        = 32
	DefaultInlineThreshold = 192
	DefaultMaxPayloadSize  = 512
	DefaultMaxRenderedSize = 512

	// maxRetryField is the largest retry count the 4-bit header field holds.
	maxRetryField = 0xf

	// maxIndex is the largest index the 8-bit header field holds.
	maxIndex = 0xff
)

// DefaultBackoff is the per-message retry policy.
var DefaultBackoff = backoff.Spec{
	Base:        40 * time.Second,
	Multiplier:  2,
	JitterMax:   5 * time.Second,
	MaxAttempts: 5,
}

// Configuration errors.
var (
	ErrInvalidCapacity  = errors.New("buffer capacity must be between 1 and 254")
	ErrRetryFieldTooBig = errors.New("message max attempts must be between 1 and 15")
	ErrInvalidSizes     = errors.New("inline threshold must be below max payload size")
)

// AlarmKind distinguishes message delivery alarms.
type AlarmKind uint8

const (
	// AlarmFailedAFewTimes is raised when a message reaches its final attempt.
	AlarmFailedAFewTimes AlarmKind = iota + 1

	// AlarmFailedTooManyTimes is raised when a message is abandoned.
	AlarmFailedTooManyTimes
)

// String returns the alarm name.
func (k AlarmKind) String() string {
	switch k {
	case AlarmFailedAFewTimes:
		return "FAILED_A_FEW_TIMES"
	case AlarmFailedTooManyTimes:
		return "FAILED_TOO_MANY_TIMES"
	default:
		return "UNKNOWN"
	}
}

// AlarmFunc receives delivery alarms. It is called without the buffer lock
// held, so it may call back into the buffer.
type AlarmFunc func(kind AlarmKind, msg *Message)

// ScanOrder selects which ready entry GetNextMessage returns first.
type ScanOrder uint8

const (
	// ScanSlotOrder visits table slots from the lowest. Low slots are
	// serviced preferentially.
	ScanSlotOrder ScanOrder = iota

	// ScanFIFO visits entries oldest-enqueued first.
	ScanFIFO
)

// String returns the order name.
func (o ScanOrder) String() string {
	switch o {
	case ScanSlotOrder:
		return "slot"
	case ScanFIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// Message is an entry rendered into its wire form.
type Message struct {
	// Text is "<8-hex timestamp> <4-hex header> <payload>".
	Text string

	// Subtopic is "/" plus 16 hex digits of the source id, or empty for
	// messages from the hub itself.
	Subtopic string

	// Index is the entry index packed into the header.
	Index uint8

	// Retries is the retry count packed into the header.
	Retries int

	// SourceID is the originating device id (0 for the hub).
	SourceID uint64
}

// Config configures a Buffer.
type Config struct {
	// Capacity is the number of table entries.
	Capacity int

	// InlineSlots is the size of the inline payload pool. Zero means Capacity.
	InlineSlots int

	// InlineThreshold: payloads shorter than this are stored inline.
	InlineThreshold int

	// MaxPayloadSize: payloads this long or longer are dropped.
	MaxPayloadSize int

	// MaxRenderedSize bounds the rendered record. Entries that render longer
	// are dropped.
	MaxRenderedSize int

	// Backoff is the per-message retry policy.
	Backoff backoff.Spec

	// Order is the scan order of GetNextMessage.
	Order ScanOrder

	// Clock supplies time. Nil means the wall clock.
	Clock clock.Clock

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// Trace logs every enqueued message at info level.
	Trace bool
}

// DefaultConfig returns the standard buffer configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		InlineThreshold: DefaultInlineThreshold,
		MaxPayloadSize:  DefaultMaxPayloadSize,
		MaxRenderedSize: DefaultMaxRenderedSize,
		Backoff:         DefaultBackoff,
		Order:           ScanSlotOrder,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.InlineSlots == 0 {
		c.InlineSlots = c.Capacity
	}
	if c.InlineThreshold == 0 {
		c.InlineThreshold = d.InlineThreshold
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = d.MaxPayloadSize
	}
	if c.MaxRenderedSize == 0 {
		c.MaxRenderedSize = d.MaxRenderedSize
	}
	if c.Backoff == (backoff.Spec{}) {
		c.Backoff = d.Backoff
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Validate checks the configuration against the header packing.
func (c *Config) Validate() error {
	if c.Capacity < 1 || c.Capacity >= maxIndex {
		return ErrInvalidCapacity
	}
	if c.Backoff.MaxAttempts < 1 || c.Backoff.MaxAttempts > maxRetryField {
		return ErrRetryFieldTooBig
	}
	if c.InlineThreshold >= c.MaxPayloadSize {
		return ErrInvalidSizes
	}
	return nil
}

// Stats counts buffer activity since creation.
type Stats struct {
	Enqueued     uint64
	Rejected     uint64
	Oversized    uint64
	Sent         uint64
	Acked        uint64
	Abandoned    uint64
	Unrenderable uint64
}

type entry struct {
	index      uint8
	sourceID   uint64
	enqueuedAt time.Time
	seq        uint64
	store      storage
	backoff    *backoff.State
}

func (e *entry) free() bool {
	return e.index == 0
}

// Buffer is the fixed-capacity outbound message table.
type Buffer struct {
	mu sync.Mutex

	cfg     Config
	entries []entry
	pool    *inlinePool

	nextIndex uint8
	seq       uint64
	stats     Stats

	onAlarm AlarmFunc
}

// New creates a buffer.
func New(cfg Config) (*Buffer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:       cfg,
		entries:   make([]entry, cfg.Capacity),
		pool:      newInlinePool(cfg.InlineSlots, cfg.InlineThreshold),
		nextIndex: 1,
	}, nil
}

// OnMessageAlarm registers the alarm callback.
func (b *Buffer) OnMessageAlarm(fn AlarmFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAlarm = fn
}

// Enqueue adds a message from sourceID (0 for the hub). It returns false
// when the table or the inline pool is full. Oversized payloads are dropped
// and reported as accepted.
func (b *Buffer) Enqueue(sourceID uint64, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Trace {
		b.cfg.Logger.Info("message for server", "source", fmt.Sprintf("%016X", sourceID), "payload", string(payload))
	}

	slot := -1
	for i := range b.entries {
		if b.entries[i].free() {
			slot = i
			break
		}
	}
	if slot < 0 {
		b.stats.Rejected++
		return false
	}

	var store storage
	switch {
	case len(payload) < b.cfg.InlineThreshold:
		s, ok := b.pool.claim(payload)
		if !ok {
			b.cfg.Logger.Warn("cannot allocate inline storage", "len", len(payload))
			b.stats.Rejected++
			return false
		}
		store = s
	case len(payload) < b.cfg.MaxPayloadSize:
		store = newHeapStorage(payload)
	default:
		b.cfg.Logger.Warn("message too large, dropping", "len", len(payload), "max", b.cfg.MaxPayloadSize)
		b.stats.Oversized++
		return true
	}

	b.seq++
	b.entries[slot] = entry{
		index:      b.takeIndex(),
		sourceID:   sourceID,
		enqueuedAt: b.cfg.Clock.Now(),
		seq:        b.seq,
		store:      store,
		backoff:    backoff.NewState(b.cfg.Backoff, b.cfg.Clock),
	}
	b.stats.Enqueued++
	return true
}

// takeIndex returns the next non-zero index, wrapping. Indices still held by
// an occupied entry are skipped; capacity is below 255 so one is always free.
func (b *Buffer) takeIndex() uint8 {
	for {
		idx := b.nextIndex
		b.nextIndex++
		if b.nextIndex == 0 {
			b.nextIndex = 1
		}
		if !b.indexInUse(idx) {
			return idx
		}
	}
}

func (b *Buffer) indexInUse(idx uint8) bool {
	for i := range b.entries {
		if b.entries[i].index == idx {
			return true
		}
	}
	return false
}

type pendingAlarm struct {
	kind AlarmKind
	msg  *Message
}

// GetNextMessage returns the next message due for sending, or false when
// nothing is due. Returned messages have had their backoff progressed.
// Abandoned messages are dropped along the way.
func (b *Buffer) GetNextMessage() (*Message, bool) {
	var alarms []pendingAlarm

	b.mu.Lock()
	msg := b.nextLocked(&alarms)
	fn := b.onAlarm
	b.mu.Unlock()

	if fn != nil {
		for _, a := range alarms {
			fn(a.kind, a.msg)
		}
	}
	return msg, msg != nil
}

func (b *Buffer) nextLocked(alarms *[]pendingAlarm) *Message {
	for _, i := range b.scanOrder() {
		e := &b.entries[i]
		if e.free() {
			continue
		}

		status := e.backoff.Status()
		switch status {
		case backoff.StatusWaiting:
			continue

		case backoff.StatusFailed:
			msg, err := b.render(e)
			if err == nil {
				*alarms = append(*alarms, pendingAlarm{AlarmFailedTooManyTimes, msg})
			}
			b.cfg.Logger.Warn("message abandoned", "index", e.index, "attempts", e.backoff.Attempts())
			b.stats.Abandoned++
			b.dropLocked(i)

		case backoff.StatusFinalAttempt, backoff.StatusReady:
			msg, err := b.render(e)
			if err != nil {
				b.cfg.Logger.Error("dropping unrenderable message", "index", e.index, "error", err)
				b.stats.Unrenderable++
				b.dropLocked(i)
				continue
			}
			if status == backoff.StatusFinalAttempt {
				*alarms = append(*alarms, pendingAlarm{AlarmFailedAFewTimes, msg})
			}
			e.backoff.Progress()
			b.stats.Sent++
			return msg
		}
	}
	return nil
}

// scanOrder returns slot numbers in visiting order.
func (b *Buffer) scanOrder() []int {
	order := make([]int, 0, len(b.entries))
	for i := range b.entries {
		if !b.entries[i].free() {
			order = append(order, i)
		}
	}
	if b.cfg.Order == ScanFIFO {
		for i := 1; i < len(order); i++ {
			for j := i; j > 0 && b.entries[order[j]].seq < b.entries[order[j-1]].seq; j-- {
				order[j], order[j-1] = order[j-1], order[j]
			}
		}
	}
	return order
}

// render builds the wire record for e.
func (b *Buffer) render(e *entry) (*Message, error) {
	retries := e.backoff.Attempts()
	header := uint16(e.index)<<4 | uint16(retries&maxRetryField)
	text := fmt.Sprintf("%08x %04x %s", uint32(e.enqueuedAt.Unix()), header, e.store.bytes())
	if len(text) > b.cfg.MaxRenderedSize {
		return nil, fmt.Errorf("rendered message is %d bytes, limit %d", len(text), b.cfg.MaxRenderedSize)
	}

	msg := &Message{
		Text:     text,
		Index:    e.index,
		Retries:  retries,
		SourceID: e.sourceID,
	}
	if e.sourceID != 0 {
		msg.Subtopic = Subtopic(e.sourceID)
	}
	return msg, nil
}

// Subtopic renders a device id as "/" plus the hex of its little-endian
// bytes.
func Subtopic(sourceID uint64) string {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], sourceID)
	return fmt.Sprintf("/%X", raw[:])
}

// ProcessReflectedAck drops the entry whose index is packed into the header
// of a reflected record. It reports whether an entry was dropped.
func (b *Buffer) ProcessReflectedAck(wire string) bool {
	index, ok := ParseReflectedIndex(wire)
	if !ok {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if !b.entries[i].free() && b.entries[i].index == index {
			b.dropLocked(i)
			b.stats.Acked++
			return true
		}
	}
	return false
}

// ParseReflectedIndex extracts the entry index from the hex header that
// follows the first space of a record.
func ParseReflectedIndex(wire string) (uint8, bool) {
	_, rest, found := strings.Cut(wire, " ")
	if !found {
		return 0, false
	}
	end := 0
	for end < len(rest) && isHexDigit(rest[end]) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	hdr, err := strconv.ParseUint(rest[:end], 16, 64)
	if err != nil {
		return 0, false
	}
	index := uint8((hdr >> 4) & maxIndex)
	return index, index != 0
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Drop frees the entry in slot. Dropping a free slot is a no-op.
func (b *Buffer) Drop(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= len(b.entries) {
		return
	}
	b.dropLocked(slot)
}

func (b *Buffer) dropLocked(slot int) {
	e := &b.entries[slot]
	if e.free() {
		return
	}
	e.store.release()
	*e = entry{}
}

// Len returns the number of occupied entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.entries {
		if !b.entries[i].free() {
			n++
		}
	}
	return n
}

// Capacity returns the table size.
func (b *Buffer) Capacity() int {
	return b.cfg.Capacity
}

// Stats returns a copy of the activity counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// EntryInfo describes an occupied entry for diagnostics.
type EntryInfo struct {
	Slot       int
	Index      uint8
	SourceID   uint64
	EnqueuedAt time.Time
	Attempts   int
	Delay      time.Duration
	Storage    string
	Payload    string
}

// Snapshot lists the occupied entries in slot order.
func (b *Buffer) Snapshot() []EntryInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []EntryInfo
	for i := range b.entries {
		e := &b.entries[i]
		if e.free() {
			continue
		}
		out = append(out, EntryInfo{
			Slot:       i,
			Index:      e.index,
			SourceID:   e.sourceID,
			EnqueuedAt: e.enqueuedAt,
			Attempts:   e.backoff.Attempts(),
			Delay:      e.backoff.Delay(),
			Storage:    e.store.String(),
			Payload:    string(e.store.bytes()),
		})
	}
	return out
}

// Dump writes a table of the occupied entries to w.
func (b *Buffer) Dump(w io.Writer) {
	fmt.Fprintf(w, "%-4s %-8s %-5s %-8s %-10s %-16s %s\n",
		"pos", "ts", "index", "retries", "storage", "source", "message")
	for _, info := range b.Snapshot() {
		fmt.Fprintf(w, "%-4d %08X %-5d %-8d %-10s %016X %s\n",
			info.Slot, uint32(info.EnqueuedAt.Unix()), info.Index, info.Attempts,
			info.Storage, info.SourceID, info.Payload)
	}
}
