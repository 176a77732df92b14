package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/ingest"
	resp "github.com/miragespace/billing/response"
	"github.com/miragespace/billing/spec"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds the size of a webhook delivery
const DefaultMaxBodyBytes int64 = 1 << 16

// ServiceOptions contains the configuration for the webhook router
type ServiceOptions struct {
	Verifier     *Verifier
	Pipeline     *ingest.Pipeline
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Service is the webhook ingress router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the webhook router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Pipeline == nil {
		return nil, fmt.Errorf("nil Pipeline is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxBodyBytes <= 0 {
		option.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			resp.WriteError(w, resp.ErrPayloadTooLarge())
			return
		}
		resp.WriteError(w, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	event, err := s.Verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.Logger.Warn("Rejecting unverified webhook",
			zap.Error(err),
		)
		resp.WriteError(w, resp.ErrVerification())
		return
	}

	outcome, err := s.Pipeline.Process(r.Context(), ingest.Inbound{
		ID:     event.ID,
		Source: spec.SourceStripe,
		Type:   string(event.Type),
	}, func() (command.Command, error) {
		return Normalize(event)
	})
	if err != nil {
		resp.WriteError(w, resp.ErrPersistence())
		return
	}

	resp.WriteResponse(w, struct {
		Outcome string `json:"outcome"`
	}{
		Outcome: string(outcome),
	})
}

// Router will return the routes under the webhook ingress
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.receive)

	return r
}
