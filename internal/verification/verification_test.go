package verification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/banshee-data/worldmodel/internal/config"
	"github.com/banshee-data/worldmodel/internal/httputil"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

// --------------------------------------------------------------------------
// Response decoding
// --------------------------------------------------------------------------

func TestResponse_Vote(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want worldmodel.Vote
	}{
		{`"confirm"`, worldmodel.VoteConfirm},
		{`"DISCARD"`, worldmodel.VoteDiscard},
		{`"unknown"`, worldmodel.VoteUnknown},
		{`2`, worldmodel.VoteConfirm},
		{`1`, worldmodel.VoteDiscard},
		{`0`, worldmodel.VoteUnknown},
		{`7`, worldmodel.VoteUnknown},
		{`{}`, worldmodel.VoteUnknown},
	}
	for _, tt := range tests {
		r := Response{Response: json.RawMessage(tt.raw)}
		assert.Equal(t, tt.want, r.Vote(), tt.raw)
	}
}

// --------------------------------------------------------------------------
// HTTP verifier
// --------------------------------------------------------------------------

func TestHTTPVerifier(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"response":"confirm"}`).
		AddErrorResponse(errors.New("timeout"))
	v := NewHTTPVerifier("thermal", "http://verify", mock)
	assert.Equal(t, "thermal", v.Name())

	obj := worldmodel.Object{Info: worldmodel.ObjectInfo{ObjectID: "victim_1", ClassID: "victim"}}
	vote, err := v.Verify(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, worldmodel.VoteConfirm, vote)

	var sent Request
	require.NoError(t, json.Unmarshal([]byte(mock.Bodies[0]), &sent))
	assert.Equal(t, "victim_1", sent.Object.Info.ObjectID)

	vote, err = v.Verify(context.Background(), obj)
	assert.Error(t, err)
	assert.Equal(t, worldmodel.VoteUnknown, vote)
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

func TestFromConfig(t *testing.T) {
	t.Parallel()
	vs := FromConfig([]config.VerificationService{
		{Name: "thermal", URL: "http://localhost:9000/verify"},
		{Name: "reject-qr", URL: "static:discard:qrcode"},
		{URL: "static:confirm"},
		{Name: "bogus", URL: "static:maybe"},
		{Name: "ros", URL: "ros:///verify"},
	}, httputil.NewMockHTTPClient())

	require.Len(t, vs, 3)
	assert.Equal(t, "[thermal, reject-qr, static:confirm]", Describe(vs))
	assert.IsType(t, &HTTPVerifier{}, vs[0])
	assert.Equal(t, Static{VerifierName: "reject-qr", Vote: worldmodel.VoteDiscard, ClassID: "qrcode"}, vs[1])
}

func TestStatic_ClassFilter(t *testing.T) {
	t.Parallel()
	s := Static{VerifierName: "s", Vote: worldmodel.VoteDiscard, ClassID: "qrcode"}
	qr := worldmodel.Object{Info: worldmodel.ObjectInfo{ClassID: "qrcode"}}
	victim := worldmodel.Object{Info: worldmodel.ObjectInfo{ClassID: "victim"}}

	vote, _ := s.Verify(context.Background(), qr)
	assert.Equal(t, worldmodel.VoteDiscard, vote)
	vote, _ = s.Verify(context.Background(), victim)
	assert.Equal(t, worldmodel.VoteUnknown, vote)
}

func TestStatic_DrivesTracker(t *testing.T) {
	t.Parallel()
	tracker := worldmodel.NewTracker(worldmodel.DefaultTrackerConfig(), nil, worldmodel.Dependencies{
		Verifiers: FromConfig([]config.VerificationService{{URL: "static:confirm"}}, nil),
	})
	obj, err := tracker.HandlePosePercept(context.Background(), worldmodel.PosePercept{
		Header: worldmodel.Header{FrameID: "map"},
		Info:   worldmodel.PerceptInfo{ClassID: "victim", ClassSupport: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2+worldmodel.ConfirmSupportBonus, obj.Info.Support)
}
