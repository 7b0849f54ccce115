package host

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

var ErrUnsupportedVersion = errors.New("unsupported host version")

// Version is a host protocol version, "major.minor".
type Version struct {
	Major int
	Minor int
}

func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("invalid version %q (want major.minor)", s)
	}
	maj, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || maj < 0 || minor < 0 {
		return Version{}, fmt.Errorf("invalid version %q (want major.minor)", s)
	}
	return Version{Major: maj, Minor: minor}, nil
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// OpKind is a presentation operation sent to one subscriber.
type OpKind string

const (
	OpSpawn   OpKind = "spawn"
	OpDespawn OpKind = "despawn"
	OpText    OpKind = "text"
	OpMove    OpKind = "move"
)

// Op is handed to the Sink. Encoding it for the wire is the sink's job.
type Op struct {
	Kind   OpKind              `json:"kind"`
	Object uuid.UUID           `json:"object"`
	At     visibility.Position `json:"at,omitempty"`
	Text   string              `json:"text,omitempty"`
	Smooth bool                `json:"smooth,omitempty"`
}

// Sink delivers operations to a subscriber.
type Sink interface {
	Send(to visibility.SubscriberID, op Op) error
}

// Strategy turns display intents into host operations for one host version.
type Strategy interface {
	Name() string
	Spawn(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines []string) error
	Despawn(to visibility.SubscriberID, obj uuid.UUID, lines int) error
	SetLines(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines []string) error
	Move(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines int) error
}

// strategyTable maps the oldest supported version to its strategy, newest
// first. SelectStrategy walks it once at startup.
var strategyTable = []struct {
	since Version
	build func(Sink) Strategy
}{
	{since: Version{1, 20}, build: func(s Sink) Strategy { return textDisplay{sink: s} }},
	{since: Version{1, 8}, build: func(s Sink) Strategy { return stackedLines{sink: s} }},
}

func SelectStrategy(version string, sink Sink) (Strategy, error) {
	if sink == nil {
		return nil, errors.New("sink required")
	}
	v, err := ParseVersion(version)
	if err != nil {
		return nil, err
	}
	for _, row := range strategyTable {
		if !v.Less(row.since) {
			return row.build(sink), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
}

// textDisplay uses one multi-line text object with client-side interpolation.
type textDisplay struct{ sink Sink }

func (textDisplay) Name() string { return "text-display" }

func (s textDisplay) Spawn(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines []string) error {
	return s.sink.Send(to, Op{Kind: OpSpawn, Object: obj, At: at, Text: strings.Join(lines, "\n")})
}

func (s textDisplay) Despawn(to visibility.SubscriberID, obj uuid.UUID, _ int) error {
	return s.sink.Send(to, Op{Kind: OpDespawn, Object: obj})
}

func (s textDisplay) SetLines(to visibility.SubscriberID, obj uuid.UUID, _ visibility.Position, lines []string) error {
	return s.sink.Send(to, Op{Kind: OpText, Object: obj, Text: strings.Join(lines, "\n")})
}

func (s textDisplay) Move(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, _ int) error {
	return s.sink.Send(to, Op{Kind: OpMove, Object: obj, At: at, Smooth: true})
}

// stackedLines emulates multi-line text with one object per line, stacked
// downward by lineSpacing.
type stackedLines struct{ sink Sink }

const lineSpacing = 0.25

func (stackedLines) Name() string { return "stacked-lines" }

// LineObject derives the object id of line i of obj.
func LineObject(obj uuid.UUID, i int) uuid.UUID {
	return uuid.NewSHA1(obj, []byte(strconv.Itoa(i)))
}

func (s stackedLines) Spawn(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines []string) error {
	var errs []error
	for i, line := range lines {
		op := Op{Kind: OpSpawn, Object: LineObject(obj, i), At: at.Offset(0, -lineSpacing*float64(i), 0), Text: line}
		errs = append(errs, s.sink.Send(to, op))
	}
	return errors.Join(errs...)
}

func (s stackedLines) Despawn(to visibility.SubscriberID, obj uuid.UUID, lines int) error {
	var errs []error
	for i := 0; i < lines; i++ {
		errs = append(errs, s.sink.Send(to, Op{Kind: OpDespawn, Object: LineObject(obj, i)}))
	}
	return errors.Join(errs...)
}

// SetLines respawns every line since per-line objects cannot change count in
// place.
func (s stackedLines) SetLines(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines []string) error {
	var errs []error
	for i, line := range lines {
		errs = append(errs, s.sink.Send(to, Op{Kind: OpText, Object: LineObject(obj, i), At: at.Offset(0, -lineSpacing*float64(i), 0), Text: line}))
	}
	return errors.Join(errs...)
}

func (s stackedLines) Move(to visibility.SubscriberID, obj uuid.UUID, at visibility.Position, lines int) error {
	var errs []error
	for i := 0; i < lines; i++ {
		errs = append(errs, s.sink.Send(to, Op{Kind: OpMove, Object: LineObject(obj, i), At: at.Offset(0, -lineSpacing*float64(i), 0)}))
	}
	return errors.Join(errs...)
}

// LogSink writes operations to the log. It stands in for a network sink.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(to visibility.SubscriberID, op Op) error {
	s.Log.Debug("op",
		logx.String("to", to.String()),
		logx.String("kind", string(op.Kind)),
		logx.String("object", op.Object.String()),
		logx.String("at", op.At.String()),
		logx.String("text", op.Text),
	)
	return nil
}

// MemorySink records operations. Handy for tests and diagnostics.
type MemorySink struct {
	mu  sync.Mutex
	ops map[visibility.SubscriberID][]Op
}

func NewMemorySink() *MemorySink {
	return &MemorySink{ops: map[visibility.SubscriberID][]Op{}}
}

func (s *MemorySink) Send(to visibility.SubscriberID, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[to] = append(s.ops[to], op)
	return nil
}

// Ops returns a copy of what was sent to id.
func (s *MemorySink) Ops(id visibility.SubscriberID) []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops[id]...)
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.ops = map[visibility.SubscriberID][]Op{}
	s.mu.Unlock()
}
