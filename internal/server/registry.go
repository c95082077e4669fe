// Package server is the session backend: token issuance, join
// bookkeeping, and the WebSocket relay two clients signal through. It
// backs local development and the end-to-end tests.
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/rest"
)

const (
	MinMessageCharLimit     = 200
	MaxMessageCharLimit     = 16000
	DefaultMessageCharLimit = 2000

	// MaxSessionTTLMinutes caps how long a live session may stay open.
	MaxSessionTTLMinutes = 24 * 60
)

// SessionStatus is the backend-side lifecycle of a token.
type SessionStatus string

const (
	StatusIssued  SessionStatus = "issued"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
	StatusExpired SessionStatus = "expired"
	StatusDeleted SessionStatus = "deleted"
)

func (s SessionStatus) terminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

var (
	ErrNotFound       = errors.New("session not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrSessionClosed  = errors.New("session already closed")
	ErrSessionDeleted = errors.New("session has been deleted")
	ErrSessionFull    = errors.New("session already has two participants")
	ErrRateLimited    = errors.New("token issue rate limit reached")
	ErrInvalidRequest = errors.New("invalid request")
)

// Session is the registry's record of one token.
type Session struct {
	Token             string
	Status            SessionStatus
	ValidityExpiresAt time.Time
	SessionTTLSeconds int
	MessageCharLimit  int
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	Participants      []*Participant
}

// Participant is one claimed slot of a session.
type Participant struct {
	ID             string
	Role           domain.Role
	JoinedAt       time.Time
	ClientIdentity string
}

// Registry is the in-memory session store. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	issued   map[string][]time.Time // identity -> issue timestamps

	rateLimitPerHour int
	now              func() time.Time
}

// RegistryOptions tunes a Registry; zero values get sane defaults.
type RegistryOptions struct {
	RateLimitPerHour int
	Now              func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.RateLimitPerHour <= 0 {
		opts.RateLimitPerHour = 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		sessions:         make(map[string]*Session),
		issued:           make(map[string][]time.Time),
		rateLimitPerHour: opts.RateLimitPerHour,
		now:              opts.Now,
	}
}

// IssueToken creates a new session token. identity is the caller's
// client identity or IP, used for rate limiting.
func (r *Registry) IssueToken(req rest.CreateTokenRequest, identity string) (rest.TokenResponse, error) {
	validity, err := validityDuration(req.ValidityPeriod)
	if err != nil {
		return rest.TokenResponse{}, err
	}
	if req.SessionTTLMinutes < 1 || req.SessionTTLMinutes > MaxSessionTTLMinutes {
		return rest.TokenResponse{}, fmt.Errorf("%w: session_ttl_minutes out of range", ErrInvalidRequest)
	}

	limit := req.MessageCharLimit
	if limit == 0 {
		limit = DefaultMessageCharLimit
	}
	if limit < MinMessageCharLimit {
		limit = MinMessageCharLimit
	}
	if limit > MaxMessageCharLimit {
		limit = MaxMessageCharLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.allowIssueLocked(identity, now) {
		return rest.TokenResponse{}, ErrRateLimited
	}

	s := &Session{
		Token:             uuid.New().String(),
		Status:            StatusIssued,
		ValidityExpiresAt: now.Add(validity),
		SessionTTLSeconds: req.SessionTTLMinutes * 60,
		MessageCharLimit:  limit,
		CreatedAt:         now,
	}
	r.sessions[s.Token] = s

	return rest.TokenResponse{
		Token:             s.Token,
		ValidityExpiresAt: s.ValidityExpiresAt,
		SessionTTLSeconds: s.SessionTTLSeconds,
		MessageCharLimit:  s.MessageCharLimit,
		CreatedAt:         s.CreatedAt,
	}, nil
}

// Join claims a slot in the session. The first joiner becomes host, the
// second guest (activating the session and starting its TTL), and any
// further join fails with ErrSessionFull. A request carrying a known
// participant_id or client identity reclaims the existing slot instead.
// activated reports whether this join started the TTL clock.
func (r *Registry) Join(req rest.JoinSessionRequest) (resp rest.JoinSessionResponse, activated bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(req.Token)
	if err != nil {
		return rest.JoinSessionResponse{}, false, err
	}
	if err := terminalError(s.Status); err != nil {
		return rest.JoinSessionResponse{}, false, err
	}

	if existing := s.findParticipant(req.ParticipantID, req.ClientIdentity); existing != nil {
		if req.ClientIdentity != "" {
			existing.ClientIdentity = req.ClientIdentity
		}
		return r.joinResponseLocked(s, existing), false, nil
	}

	if len(s.Participants) >= 2 {
		return rest.JoinSessionResponse{}, false, ErrSessionFull
	}

	now := r.now()
	role := domain.RoleHost
	if len(s.Participants) == 1 {
		role = domain.RoleGuest
	}
	p := &Participant{
		ID:             uuid.New().String(),
		Role:           role,
		JoinedAt:       now,
		ClientIdentity: req.ClientIdentity,
	}
	s.Participants = append(s.Participants, p)

	if role == domain.RoleGuest {
		s.Status = StatusActive
		started := now
		ended := now.Add(time.Duration(s.SessionTTLSeconds) * time.Second)
		s.StartedAt = &started
		s.EndedAt = &ended
		activated = true
	}
	return r.joinResponseLocked(s, p), activated, nil
}

// Status returns the session snapshot.
func (r *Registry) Status(token string) (rest.SessionStatusResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(token)
	if err != nil {
		return rest.SessionStatusResponse{}, err
	}
	return r.statusLocked(s), nil
}

// Delete marks the session deleted. It reports whether the call
// actually changed state, so the caller knows to notify connected
// participants.
func (r *Registry) Delete(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(token)
	if err != nil {
		return false, err
	}
	if s.Status.terminal() {
		return false, nil
	}
	now := r.now()
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.EndedAt = &now
	s.Status = StatusDeleted
	return true, nil
}

// CloseIfExpired transitions an active session whose TTL ran out to
// closed, reporting whether it did.
func (r *Registry) CloseIfExpired(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return false
	}
	r.ensureLocked(s)
	return s.Status == StatusClosed
}

// SocketAdmission checks that a participant may attach a WebSocket.
func (r *Registry) SocketAdmission(token, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(token)
	if err != nil {
		return err
	}
	if err := terminalError(s.Status); err != nil {
		return err
	}
	if s.findParticipant(participantID, "") == nil {
		return fmt.Errorf("%w: unknown participant", ErrNotFound)
	}
	return nil
}

// SessionDeadline returns the TTL deadline of an active session.
func (r *Registry) SessionDeadline(token string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok || s.Status != StatusActive || s.EndedAt == nil {
		return time.Time{}, false
	}
	return *s.EndedAt, true
}

func (r *Registry) lookupLocked(token string) (*Session, error) {
	s, ok := r.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	r.ensureLocked(s)
	return s, nil
}

// ensureLocked applies lazy time transitions: an unclaimed token past
// its validity window expires, an active session past its TTL closes.
func (r *Registry) ensureLocked(s *Session) {
	now := r.now()
	switch {
	case s.Status == StatusIssued && now.After(s.ValidityExpiresAt):
		s.Status = StatusExpired
	case s.Status == StatusActive && s.EndedAt != nil && !now.Before(*s.EndedAt):
		s.Status = StatusClosed
	}
}

func (r *Registry) allowIssueLocked(identity string, now time.Time) bool {
	cutoff := now.Add(-time.Hour)
	kept := r.issued[identity][:0]
	for _, t := range r.issued[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.rateLimitPerHour {
		r.issued[identity] = kept
		return false
	}
	r.issued[identity] = append(kept, now)
	return true
}

func (r *Registry) joinResponseLocked(s *Session, p *Participant) rest.JoinSessionResponse {
	return rest.JoinSessionResponse{
		Token:            s.Token,
		ParticipantID:    p.ID,
		Role:             p.Role,
		SessionActive:    s.Status == StatusActive,
		SessionStartedAt: s.StartedAt,
		SessionExpiresAt: s.EndedAt,
		MessageCharLimit: s.MessageCharLimit,
	}
}

func (r *Registry) statusLocked(s *Session) rest.SessionStatusResponse {
	participants := make([]domain.Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		participants = append(participants, domain.Participant{
			ID:       p.ID,
			Role:     p.Role,
			JoinedAt: p.JoinedAt,
		})
	}

	var remaining *int
	if s.Status == StatusActive && s.EndedAt != nil {
		secs := int(s.EndedAt.Sub(r.now()).Seconds())
		if secs < 0 {
			secs = 0
		}
		remaining = &secs
	}

	return rest.SessionStatusResponse{
		Token:             s.Token,
		Status:            string(s.Status),
		ValidityExpiresAt: s.ValidityExpiresAt,
		SessionStartedAt:  s.StartedAt,
		SessionExpiresAt:  s.EndedAt,
		MessageCharLimit:  s.MessageCharLimit,
		Participants:      participants,
		RemainingSeconds:  remaining,
	}
}

func (s *Session) findParticipant(id, identity string) *Participant {
	if id != "" {
		for _, p := range s.Participants {
			if p.ID == id {
				return p
			}
		}
	}
	if identity != "" {
		for _, p := range s.Participants {
			if p.ClientIdentity == identity {
				return p
			}
		}
	}
	return nil
}

func terminalError(status SessionStatus) error {
	switch status {
	case StatusExpired:
		return ErrTokenExpired
	case StatusClosed:
		return ErrSessionClosed
	case StatusDeleted:
		return ErrSessionDeleted
	}
	return nil
}

func validityDuration(v rest.ValidityPeriod) (time.Duration, error) {
	switch v {
	case rest.ValidityOneDay:
		return 24 * time.Hour, nil
	case rest.ValidityOneWeek:
		return 7 * 24 * time.Hour, nil
	case rest.ValidityOneMonth:
		return 30 * 24 * time.Hour, nil
	case rest.ValidityOneYear:
		return 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown validity_period %q", ErrInvalidRequest, v)
	}
}
