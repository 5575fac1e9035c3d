package xnotify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	guard     Authorizer
	principal string
	newID     func() string

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:  "json",
		ackTimeout: 5 * time.Second,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer events asynchronously on a bounded
// pool. Without it observers run inline on the publishing goroutine.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithGuard makes every publish subject to a "publish" grant for principal
// on the topic identity.
func (bb *BusBuilder) WithGuard(g Authorizer, principal string) *BusBuilder {
	bb.guard = g
	bb.principal = principal
	return bb
}

// WithIDGenerator replaces the default UUIDv4 message id generator.
func (bb *BusBuilder) WithIDGenerator(fn func() string) *BusBuilder {
	bb.newID = fn
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	newID := bb.newID
	if newID == nil {
		newID = uuid.NewString
	}

	b := &Bus{
		transport:   tr,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		ackTimeout:  bb.ackTimeout,
		guard:       bb.guard,
		principal:   bb.principal,
		newID:       newID,
		metrics:     &busMetrics{},
	}
	if bb.poolWorkers > 0 || bb.poolBuffer > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	// Attach logging observer first unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}

	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
