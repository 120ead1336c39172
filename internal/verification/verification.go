// Package verification provides the verifier implementations the tracker
// consults after each fusion.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/worldmodel/internal/config"
	"github.com/banshee-data/worldmodel/internal/httputil"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
)

// Request is the body posted to a verification service.
type Request struct {
	Object worldmodel.Object `json:"object"`
}

// Response carries the verdict, either a name ("confirm", "discard",
// "unknown") or the numeric codes 0 (unknown), 1 (discard), 2 (confirm).
type Response struct {
	Response json.RawMessage `json:"response"`
}

// Vote decodes the verdict. Anything unrecognised is VoteUnknown.
func (r Response) Vote() worldmodel.Vote {
	var n int
	if err := json.Unmarshal(r.Response, &n); err == nil {
		switch worldmodel.Vote(n) {
		case worldmodel.VoteDiscard, worldmodel.VoteConfirm:
			return worldmodel.Vote(n)
		}
		return worldmodel.VoteUnknown
	}
	var s string
	if err := json.Unmarshal(r.Response, &s); err != nil {
		return worldmodel.VoteUnknown
	}
	return worldmodel.ParseVote(s)
}

// HTTPVerifier asks a remote service for a verdict.
type HTTPVerifier struct {
	name   string
	url    string
	client httputil.HTTPClient
}

// NewHTTPVerifier creates a verifier posting to url. The tracker bounds the
// call with its verification timeout through ctx.
func NewHTTPVerifier(name, url string, client httputil.HTTPClient) *HTTPVerifier {
	if client == nil {
		client = &http.Client{}
	}
	if name == "" {
		name = url
	}
	return &HTTPVerifier{name: name, url: url, client: client}
}

func (v *HTTPVerifier) Name() string { return v.name }

func (v *HTTPVerifier) Verify(ctx context.Context, obj worldmodel.Object) (worldmodel.Vote, error) {
	var resp Response
	if err := httputil.PostJSON(ctx, v.client, v.url, Request{Object: obj}, &resp); err != nil {
		return worldmodel.VoteUnknown, err
	}
	return resp.Vote(), nil
}

// Static always returns the same vote, optionally only for one class.
// It is configured with a "static:<vote>[:<class>]" url and is meant for
// dry runs and tests.
type Static struct {
	VerifierName string
	Vote         worldmodel.Vote
	ClassID      string
}

func (s Static) Name() string { return s.VerifierName }

func (s Static) Verify(_ context.Context, obj worldmodel.Object) (worldmodel.Vote, error) {
	if s.ClassID != "" && obj.Info.ClassID != s.ClassID {
		return worldmodel.VoteUnknown, nil
	}
	return s.Vote, nil
}

const staticScheme = "static:"

// FromConfig builds the verifier chain in configuration order. Services that
// cannot be built are logged and skipped.
func FromConfig(services []config.VerificationService, client httputil.HTTPClient) []worldmodel.Verifier {
	var out []worldmodel.Verifier
	for _, svc := range services {
		name := svc.Name
		if name == "" {
			name = svc.URL
		}
		if rest, ok := strings.CutPrefix(svc.URL, staticScheme); ok {
			voteName, class, _ := strings.Cut(rest, ":")
			vote := worldmodel.ParseVote(voteName)
			if vote == worldmodel.VoteUnknown && voteName != "unknown" {
				monitoring.Logf("[Verification] Skipping %s: unknown static vote %q", name, voteName)
				continue
			}
			out = append(out, Static{VerifierName: name, Vote: vote, ClassID: class})
			continue
		}
		if !strings.HasPrefix(svc.URL, "http://") && !strings.HasPrefix(svc.URL, "https://") {
			monitoring.Logf("[Verification] Skipping %s: unsupported url %q", name, svc.URL)
			continue
		}
		out = append(out, NewHTTPVerifier(name, svc.URL, client))
	}
	monitoring.Logf("[Verification] %d of %d verification services configured", len(out), len(services))
	return out
}

// Describe lists the chain for startup logs.
func Describe(vs []worldmodel.Verifier) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Name()
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}
