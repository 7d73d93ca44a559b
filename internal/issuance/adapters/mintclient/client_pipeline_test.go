package mintclient

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"certmint/internal/issuance/coordinator"
	"certmint/internal/issuance/models"
)

type signFunc func(ctx context.Context, unsigned []byte) ([]byte, error)

func (f signFunc) Sign(ctx context.Context, unsigned []byte) ([]byte, error) { return f(ctx, unsigned) }

func (s *ClientSuite) servePipeline(confirmDelay time.Duration) {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case constructPath:
			writeJSON(w, http.StatusOK, constructResponse{
				Transaction:  base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
				CollectionID: "COL123",
			})
		case confirmPath:
			select {
			case <-time.After(confirmDelay):
				writeJSON(w, http.StatusOK, confirmResponse{Status: "confirmed", CollectionID: "COL123"})
			case <-r.Context().Done():
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *ClientSuite) issueThrough(client *Client, confirmTimeout time.Duration) models.Outcome {
	coord, err := coordinator.New(client,
		signFunc(func(_ context.Context, unsigned []byte) ([]byte, error) { return append(unsigned, 9), nil }),
		coordinator.WithConfirmTimeout(confirmTimeout),
	)
	s.Require().NoError(err)
	return coord.Issue(context.Background(), s.req)
}

// The construct timeout must not cut short a confirm the coordinator is
// still willing to wait for.
func (s *ClientSuite) TestSlowConfirmWithinConfirmTimeout() {
	s.servePipeline(300 * time.Millisecond)
	client, err := New(s.server.URL, 100*time.Millisecond)
	s.Require().NoError(err)

	outcome := s.issueThrough(client, 2*time.Second)
	s.Equal(models.OutcomeConfirmed, outcome.Kind())
	s.Equal(models.CollectionID("COL123"), outcome.CollectionID())
}

func (s *ClientSuite) TestConfirmPastConfirmTimeoutIsIndeterminate() {
	s.servePipeline(time.Second)
	client, err := New(s.server.URL, time.Second)
	s.Require().NoError(err)

	outcome := s.issueThrough(client, 100*time.Millisecond)
	s.Equal(models.OutcomeIndeterminate, outcome.Kind())
}

func (s *ClientSuite) TestConstructTimeoutStillApplies() {
	release := make(chan struct{})
	defer close(release)
	s.handler = func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	client, err := New(s.server.URL, 50*time.Millisecond)
	s.Require().NoError(err)

	start := time.Now()
	_, err = client.Construct(context.Background(), s.req)
	s.Require().ErrorIs(err, models.ErrConstructionFailed)
	s.Equal(ErrorTimeout, Category(err))
	s.Less(time.Since(start), time.Second)
}
