package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esrt/core/es"
)

const (
	defaultSubjectPrefix = "esrt"
	defaultStreamName    = "ESRT_EVENTS"
	defaultReadTimeout   = 5 * time.Second
	maxFetchBatch        = 256

	headerEventType = "Esrt-Event-Type"
	headerStream    = "Esrt-Stream"
	headerVersion   = "Esrt-Version"

	// JetStream rejects a publish whose expected last subject sequence is stale.
	errCodeWrongLastSequence = 10071
)

var errWrongLastSequence = errors.New("wrong last subject sequence")

type EventStoreConfig struct {
	Connect       Connector    // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix of every subject written by the store
	StreamName    string
	Replicas      int
	// MaxAge drops events older than this. Zero keeps them forever.
	MaxAge time.Duration
	// ReadTimeout bounds the wait for each batch of a read.
	ReadTimeout time.Duration
}

// EventStore keeps every stream in its own subject of one JetStream stream.
// Optimistic concurrency uses the expected last sequence per subject, so
// appends never need a lock. Stream creation is recorded in a per-category
// index subject that backs category listing.
type EventStore struct {
	nc          *natsgo.Conn
	closeNc     closeFunc
	js          jetstream.JetStream
	stream      jetstream.Stream
	log         *slog.Logger
	prefix      string
	readTimeout time.Duration
}

type categoryEntry struct {
	StreamName string `json:"stream"`
	FirstSeq   uint64 `json:"first_seq"`
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", prefix),
	)

	stream, info, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Replicas:   cfg.Replicas,
		DenyDelete: true,
		FirstSeq:   1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}
	log.Info("ensured stream", slog.Uint64("messages", info.State.Msgs))

	return &EventStore{
		nc:          nc,
		closeNc:     closeNc,
		js:          js,
		stream:      stream,
		log:         log,
		prefix:      prefix,
		readTimeout: readTimeout,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) AppendToStream(
	ctx context.Context,
	streamName string,
	expected es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("invalid envelope: %w", err)
		}
	}
	category, subject, err := e.streamSubject(streamName)
	if err != nil {
		return nil, err
	}

	for {
		res, err := e.tryAppend(ctx, streamName, subject, expected, events)
		if !errors.Is(err, errWrongLastSequence) {
			if err == nil && res.LastVersion == es.Version(len(events)-1) {
				e.index(ctx, category, streamName, res.FirstSeq)
			}
			return res, err
		}
		if expected != es.AnyVersion {
			return nil, fmt.Errorf("%w: stream %s moved past version %d", es.ErrConcurrencyConflict, streamName, expected)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (e *EventStore) tryAppend(
	ctx context.Context,
	streamName, subject string,
	expected es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	last, err := e.lastMsg(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", streamName, err)
	}
	current, lastSeq := es.NoEventsNumber, uint64(0)
	if last != nil {
		current, lastSeq = last.Version, last.Seq
	}
	if expected != es.AnyVersion && expected != current {
		return nil, fmt.Errorf(
			"%w: stream %s is at version %d, expected %d",
			es.ErrConcurrencyConflict, streamName, current, expected,
		)
	}

	res := &es.AppendResult{}
	for i, ev := range events {
		ev.StreamName = streamName
		ev.Version = current + es.Version(i+1)
		msg, err := encodeMsg(subject, ev)
		if err != nil {
			return nil, err
		}
		ack, err := e.js.PublishMsg(
			ctx,
			msg,
			jetstream.WithMsgID(ev.ID),
			jetstream.WithExpectLastSequencePerSubject(lastSeq),
		)
		if err != nil {
			var apiErr *jetstream.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence {
				if i == 0 {
					return nil, errWrongLastSequence
				}
				return nil, fmt.Errorf(
					"%w: stream %s changed after %d of %d events",
					es.ErrConcurrencyConflict, streamName, i, len(events),
				)
			}
			return nil, fmt.Errorf("publish %s to %s: %w", ev.Type, subject, err)
		}
		if i == 0 {
			res.FirstSeq = ack.Sequence
		}
		lastSeq = ack.Sequence
	}
	res.LastSeq = lastSeq
	res.LastVersion = current + es.Version(len(events))
	return res, nil
}

// index records a new stream in its category. A failure leaves the stream
// readable but invisible to category listing.
func (e *EventStore) index(ctx context.Context, category, streamName string, firstSeq uint64) {
	data, err := json.Marshal(categoryEntry{StreamName: streamName, FirstSeq: firstSeq})
	if err == nil {
		_, err = e.js.Publish(ctx, e.categorySubject(category), data)
	}
	if err != nil {
		e.log.Error("failed to index stream", slog.String("stream_name", streamName), slog.Any("error", err))
	}
}

func (e *EventStore) ReadStreamForward(
	ctx context.Context,
	streamName string,
	from es.Version,
	count int,
) (*es.StreamSlice, error) {
	return e.ReadStreamForwardAfter(ctx, streamName, from, 0, count)
}

// ReadStreamForwardAfter reads like ReadStreamForward. When afterSeq is the
// global position of the event right before from, the read starts behind it
// without seeking from.
func (e *EventStore) ReadStreamForwardAfter(
	ctx context.Context,
	streamName string,
	from es.Version,
	afterSeq uint64,
	count int,
) (*es.StreamSlice, error) {
	if from < 0 {
		from = 0
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	_, subject, err := e.streamSubject(streamName)
	if err != nil {
		return nil, err
	}

	last, err := e.lastMsg(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil || from > last.Version {
		return &es.StreamSlice{NextVersion: from, IsEnd: true}, nil
	}

	startSeq, err := e.startSeq(ctx, subject, from, afterSeq, last)
	if err != nil {
		return nil, fmt.Errorf("seek %s to version %d: %w", streamName, from, err)
	}

	slice := &es.StreamSlice{NextVersion: from}
	want := min(int64(count), last.Version.Int64()-from.Int64()+1)
	err = e.scan(ctx, subject, startSeq, last.Seq, int(want), func(msg jetstream.Msg) (bool, error) {
		env, err := decodeMsg(msg)
		if err != nil {
			return false, err
		}
		if env.Version < from {
			return true, nil
		}
		slice.Events = append(slice.Events, *env)
		slice.NextVersion = env.Version + 1
		slice.IsEnd = env.Version >= last.Version
		return len(slice.Events) < count, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", streamName, err)
	}
	return slice, nil
}

// startSeq returns the global position of version from in subject. A valid
// afterSeq is checked with one lookup, otherwise the position is found by
// bisecting the stream. Zero means the subject is read from its start.
func (e *EventStore) startSeq(ctx context.Context, subject string, from es.Version, afterSeq uint64, last *es.Envelope) (uint64, error) {
	switch {
	case from == 0:
		return 0, nil
	case from == last.Version:
		return last.Seq, nil
	}

	if afterSeq > 0 && afterSeq < last.Seq {
		seq, v, err := e.nextInSubject(ctx, subject, afterSeq+1)
		if err != nil {
			return 0, err
		}
		if v == from {
			return seq, nil
		}
		e.log.Debug("stale sequence hint", slog.String("subject", subject), slog.Uint64("after_seq", afterSeq), from.SlogAttrWithKey("from"))
	}

	// versions grow with the sequence inside one subject
	lo, hi, best := uint64(1), last.Seq, last.Seq
	for lo <= hi {
		mid := lo + (hi-lo)/2
		seq, v, err := e.nextInSubject(ctx, subject, mid)
		if err != nil {
			return 0, err
		}
		if v >= from {
			best = seq
			hi = mid - 1
		} else {
			lo = seq + 1
		}
	}
	return best, nil
}

// nextInSubject returns the first message of subject at or after seq.
func (e *EventStore) nextInSubject(ctx context.Context, subject string, seq uint64) (uint64, es.Version, error) {
	raw, err := e.stream.GetMsg(ctx, seq, jetstream.WithGetMsgSubject(subject))
	if err != nil {
		return 0, 0, err
	}
	if h := raw.Header.Get(headerVersion); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			return raw.Sequence, es.Version(n), nil
		}
	}
	var env es.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return 0, 0, fmt.Errorf("decode message %d of %s: %w", raw.Sequence, subject, err)
	}
	return raw.Sequence, env.Version, nil
}

func (e *EventStore) StreamExists(ctx context.Context, streamName string) (bool, error) {
	_, subject, err := e.streamSubject(streamName)
	if err != nil {
		return false, err
	}
	last, err := e.lastMsg(ctx, subject)
	return last != nil, err
}

func (e *EventStore) ReadCategoryStreams(
	ctx context.Context,
	category string,
	from, count int,
	asOf uint64,
) (*es.CategorySlice, error) {
	if err := validateToken(category); err != nil {
		return nil, err
	}
	from = max(from, 0)
	subject := e.categorySubject(category)
	last, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return &es.CategorySlice{Next: from, IsEnd: true}, nil
	}
	if err != nil {
		return nil, err
	}

	slice := &es.CategorySlice{Next: from, IsEnd: true}
	visible := 0
	err = e.scan(ctx, subject, 0, last.Sequence, 1, func(msg jetstream.Msg) (bool, error) {
		md, err := msg.Metadata()
		if err != nil {
			return false, err
		}
		var entry categoryEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			return false, err
		}
		if asOf > 0 && entry.FirstSeq > asOf {
			return true, nil
		}
		if len(slice.StreamNames) == count {
			slice.IsEnd = false
			return false, nil
		}
		visible++
		if visible <= from {
			return true, nil
		}
		slice.StreamNames = append(slice.StreamNames, entry.StreamName)
		slice.Next = visible
		return md.Sequence.Stream < last.Sequence, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read category %s: %w", category, err)
	}
	return slice, nil
}

func (e *EventStore) LastStreamInCategory(ctx context.Context, category string) (string, bool, error) {
	if err := validateToken(category); err != nil {
		return "", false, err
	}
	last, err := e.stream.GetLastMsgForSubject(ctx, e.categorySubject(category))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var entry categoryEntry
	if err := json.Unmarshal(last.Data, &entry); err != nil {
		return "", false, err
	}
	return entry.StreamName, true, nil
}

// scan feeds the messages of subject from startSeq up to endSeq to fn until
// it returns false. want sizes the first batch, later batches are sized by
// what is still pending so a fetch never waits for messages that do not
// exist. Every fetch is bounded by the read timeout.
func (e *EventStore) scan(
	ctx context.Context,
	subject string,
	startSeq, endSeq uint64,
	want int,
	fn func(msg jetstream.Msg) (bool, error),
) error {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}
	cons, err := e.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return err
	}

	batch := min(max(want, 1), maxFetchBatch)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		mb, err := cons.Fetch(batch, jetstream.FetchMaxWait(e.readTimeout))
		if err != nil {
			return fmt.Errorf("fetch %s: %w", subject, err)
		}

		received := 0
		for msg := range mb.Messages() {
			received++
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			more, err := fn(msg)
			if err != nil || !more || md.Sequence.Stream >= endSeq || md.NumPending == 0 {
				return err
			}
			batch = int(min(md.NumPending, maxFetchBatch))
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return fmt.Errorf("fetch %s: %w", subject, err)
		}
		if received == 0 {
			return fmt.Errorf("no message of %s within %s", subject, e.readTimeout)
		}
	}
}

func (e *EventStore) lastMsg(ctx context.Context, subject string) (*es.Envelope, error) {
	raw, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(raw.Data, env); err != nil {
		return nil, fmt.Errorf("decode last message of %s: %w", subject, err)
	}
	env.Seq = raw.Sequence
	return env, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func encodeMsg(subject string, ev es.Envelope) (*natsgo.Msg, error) {
	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventType, ev.Type)
	msg.Header.Set(headerStream, ev.StreamName)
	msg.Header.Set(headerVersion, strconv.FormatInt(ev.Version.Int64(), 10))
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return msg, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Subject(), err)
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

// --- subjects ---

func (e *EventStore) streamSubject(streamName string) (category, subject string, err error) {
	category, id, err := es.SplitStreamName(streamName)
	if err != nil {
		return "", "", err
	}
	if err := validateToken(category); err != nil {
		return "", "", err
	}
	return category, e.prefix + ".e." + category + "." + base64.RawURLEncoding.EncodeToString([]byte(id)), nil
}

func (e *EventStore) categorySubject(category string) string {
	return e.prefix + ".c." + category
}

func validateToken(category string) error {
	if category == "" || strings.ContainsAny(category, ".*> \t\r\n") {
		return fmt.Errorf("%w: category %q is no valid subject token", es.ErrInvalidStreamName, category)
	}
	return nil
}

var (
	_ es.EventStore      = (*EventStore)(nil)
	_ es.StreamSeqReader = (*EventStore)(nil)
)
