package notify

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Deliverer is the slice of Registry the service needs.
type Deliverer interface {
	Deliver(userID int64, msg Message) error
	BroadcastDeliver(msg Message) error
}

// Service converts pipeline and query events into messages and dispatches
// them through the registry. Emit and Broadcast never return an error and
// never panic out: delivery failure is logged and counted, nothing more.
// Callers must be able to rely on that isolation.
type Service struct {
	registry Deliverer
	logger   *log.Logger

	emitted *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewService wires the fan-out service. reg may be nil when metrics are
// disabled.
func NewService(registry Deliverer, logger *log.Logger, reg prometheus.Registerer) *Service {
	s := &Service{
		registry: registry,
		logger:   logger,
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstack_notifications_emitted_total",
			Help: "Notifications emitted, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstack_notifications_dropped_total",
			Help: "Notifications dropped because no session could accept them in time.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.emitted, s.dropped)
	}
	return s
}

// EmitOpts carries the optional parts of an emission.
type EmitOpts struct {
	DocumentID   int64
	DocumentName string
	Data         map[string]interface{}
}

// Emit builds and delivers a message to all of the user's live sessions.
func (s *Service) Emit(userID int64, typ Type, title, text string, opts EmitOpts) {
	defer s.recoverEmit(typ)

	msg := NewMessage(typ, title, text)
	if opts.DocumentID != 0 {
		id := opts.DocumentID
		msg.DocumentID = &id
	}
	if opts.DocumentName != "" {
		name := opts.DocumentName
		msg.DocumentName = &name
	}
	msg.Data = opts.Data

	s.emitted.WithLabelValues(string(typ)).Inc()
	if err := s.registry.Deliver(userID, msg); err != nil {
		s.dropped.Inc()
		s.logger.Printf("warn: notification %s for user %d dropped: %v", typ, userID, err)
	}
}

// Broadcast delivers an admin-initiated SYSTEM message to every session.
func (s *Service) Broadcast(title, text string) {
	defer s.recoverEmit(TypeSystem)

	msg := NewMessage(TypeSystem, title, text)
	s.emitted.WithLabelValues(string(TypeSystem)).Inc()
	if err := s.registry.BroadcastDeliver(msg); err != nil {
		s.dropped.Inc()
		s.logger.Printf("warn: broadcast dropped for some sessions: %v", err)
	}
}

func (s *Service) recoverEmit(typ Type) {
	if r := recover(); r != nil {
		s.logger.Printf("warn: notification %s emit panicked: %v", typ, r)
	}
}
