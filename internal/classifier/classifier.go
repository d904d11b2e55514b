// Package classifier decides whether a frame shows fire.
package classifier

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Result is a classification outcome.
type Result struct {
	IsFire     bool
	Confidence float64
}

// Classifier labels an image.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, image []byte) (Result, error)
}

// New builds the configured classifier.
func New(s *conf.ClassifierSettings, client *httpclient.Client, log logger.Logger) (Classifier, error) {
	switch strings.ToLower(s.Mode) {
	case "", "stub":
		return NewStub(s.StubRate, nil), nil
	case "remote":
		return NewRemote(RemoteConfig{Endpoint: s.Endpoint, APIKey: s.APIKey, Threshold: s.Threshold}, client, log)
	default:
		return nil, fmt.Errorf("unsupported classifier mode %q", s.Mode)
	}
}

// Stub returns random decisions. It exists for demos without a model.
type Stub struct {
	rate float64
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewStub returns a Stub that reports fire with probability rate. A nil rng
// uses a randomly seeded source.
func NewStub(rate float64, rng *rand.Rand) *Stub {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // not security sensitive
	}
	return &Stub{rate: rate, rng: rng}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Classify(_ context.Context, _ []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fire := s.rng.Float64() < s.rate
	score := s.rng.Float64() / 2
	if fire {
		score += 0.5
	}
	return Result{IsFire: fire, Confidence: score}, nil
}
