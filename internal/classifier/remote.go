package classifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/antonholmquist/jason"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// maxResponseSize bounds the classifier response body.
const maxResponseSize = 64 << 10

// RemoteConfig configures a Remote classifier.
type RemoteConfig struct {
	Endpoint  string
	APIKey    string
	Threshold float64
}

// Remote posts the raw image to an inference endpoint.
//
// Accepted response shapes:
//
//	{"isFire": true, "confidence": 0.93}
//	{"is_fire": true, "score": 0.93}
//	{"label": "fire", "score": 0.93}
//	[{"label": "fire", "score": 0.93}, {"label": "normal", "score": 0.07}]
//
// When only a score is given the decision is score >= Threshold.
type Remote struct {
	config RemoteConfig
	client *httpclient.Client
	log    logger.Logger
}

// NewRemote validates cfg.
func NewRemote(cfg RemoteConfig, client *httpclient.Client, log logger.Logger) (*Remote, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("classifier endpoint is required")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.5
	}
	if client == nil {
		client = httpclient.New(nil)
	}
	return &Remote{config: cfg, client: client, log: log.Module("classifier")}, nil
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Classify(ctx context.Context, image []byte) (Result, error) {
	req, err := httpclient.NewRequest(ctx, http.MethodPost, r.config.Endpoint, "image/jpeg", image)
	if err != nil {
		return Result{}, r.wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	body, err := r.client.DoBytes(ctx, req, maxResponseSize)
	if err != nil {
		return Result{}, r.wrap(err)
	}
	res, err := r.parse(body)
	if err != nil {
		return Result{}, r.wrap(err)
	}
	r.log.Debug("frame classified",
		logger.Bool("is_fire", res.IsFire),
		logger.Float64("confidence", res.Confidence))
	return res, nil
}

func (r *Remote) parse(body []byte) (Result, error) {
	v, err := jason.NewValueFromBytes(body)
	if err != nil {
		return Result{}, fmt.Errorf("invalid classifier response: %w", err)
	}

	if arr, err := objectArray(v); err == nil {
		return r.fromLabels(arr)
	}
	obj, err := v.Object()
	if err != nil {
		return Result{}, fmt.Errorf("unexpected classifier response shape")
	}

	confidence, hasScore := firstFloat(obj, "confidence", "score", "probability")
	if decided, ok := firstBool(obj, "isFire", "is_fire", "fire"); ok {
		if !hasScore {
			confidence = 0
			if decided {
				confidence = 1
			}
		}
		return Result{IsFire: decided, Confidence: clamp(confidence)}, nil
	}
	if label, err := obj.GetString("label"); err == nil && hasScore {
		return r.fromLabel(label, confidence), nil
	}
	if hasScore {
		return Result{IsFire: confidence >= r.config.Threshold, Confidence: clamp(confidence)}, nil
	}
	return Result{}, fmt.Errorf("classifier response has no decision or score")
}

// fromLabels picks the fire label's score out of a label list.
func (r *Remote) fromLabels(arr []*jason.Object) (Result, error) {
	for _, item := range arr {
		label, err := item.GetString("label")
		if err != nil || !isFireLabel(label) {
			continue
		}
		score, ok := firstFloat(item, "score", "confidence")
		if !ok {
			continue
		}
		return Result{IsFire: score >= r.config.Threshold, Confidence: clamp(score)}, nil
	}
	if len(arr) == 0 {
		return Result{}, fmt.Errorf("classifier returned no labels")
	}
	// No fire label present: the frame is classified as not fire.
	return Result{IsFire: false, Confidence: 0}, nil
}

func (r *Remote) fromLabel(label string, score float64) Result {
	if isFireLabel(label) {
		return Result{IsFire: score >= r.config.Threshold, Confidence: clamp(score)}
	}
	return Result{IsFire: false, Confidence: clamp(1 - score)}
}

func (r *Remote) wrap(err error) error {
	return errors.New(err).
		Component("classifier").
		Category(errors.CategoryClassification).
		Context("endpoint_host", hostOf(r.config.Endpoint)).
		Build()
}

func isFireLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l == "fire" || l == "flame" || l == "fire_detected"
}

func firstFloat(obj *jason.Object, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, err := obj.GetFloat64(k); err == nil {
			return f, true
		}
	}
	return 0, false
}

func firstBool(obj *jason.Object, keys ...string) (bool, bool) {
	for _, k := range keys {
		if b, err := obj.GetBoolean(k); err == nil {
			return b, true
		}
	}
	return false, false
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}

func hostOf(endpoint string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}

// objectArray returns the elements of a JSON array of objects. It fails when
// v is not an array or any element is not an object.
func objectArray(v *jason.Value) ([]*jason.Object, error) {
	values, err := v.Array()
	if err != nil {
		return nil, err
	}
	objs := make([]*jason.Object, 0, len(values))
	for _, e := range values {
		obj, err := e.Object()
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}
