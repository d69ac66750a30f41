package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vaultsync/internal/faketime"
)

type fakeLookuper struct {
	addrs []string
	err   error
	calls int
}

func (f *fakeLookuper) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs, nil
}

func newTestResolver(clk *faketime.Clock) (*Resolver, *fakeLookuper, *fakeLookuper) {
	r := New(zerolog.Nop(), clk, "cloud.example.com", []string{"8.8.8.8:53", "8.8.4.4:53"})
	system := &fakeLookuper{addrs: []string{"10.0.0.1"}}
	alt := &fakeLookuper{addrs: []string{"10.0.0.2"}}
	r.system = system
	r.alternate = alt
	return r, system, alt
}

func TestLookupHost_Passthrough(t *testing.T) {
	r, system, alt := newTestResolver(faketime.New(time.Now()))

	addrs, err := r.LookupHost(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, addrs)
	assert.Equal(t, 1, system.calls)
	assert.Equal(t, 0, alt.calls)
}

func TestToggle_SwitchesNameservers(t *testing.T) {
	r, system, alt := newTestResolver(faketime.New(time.Now()))

	r.Toggle()
	assert.True(t, r.UsingAlternate())

	addrs, err := r.LookupHost(context.Background(), "cloud.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, addrs)
	assert.Equal(t, 0, system.calls)
	assert.Equal(t, 1, alt.calls)

	r.Toggle()
	assert.False(t, r.UsingAlternate())
}

func TestToggle_NoAlternateConfigured(t *testing.T) {
	r := New(zerolog.Nop(), faketime.New(time.Now()), "cloud.example.com", nil)
	r.Toggle()
	assert.False(t, r.UsingAlternate(), "toggle without alternate servers stays on system DNS")
}

func TestLookupHost_CachesPositiveResults(t *testing.T) {
	clk := faketime.New(time.Now())
	r, system, _ := newTestResolver(clk)
	ctx := context.Background()

	_, err := r.LookupHost(ctx, "cloud.example.com")
	require.NoError(t, err)
	_, err = r.LookupHost(ctx, "cloud.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, system.calls, "second lookup served from cache")

	clk.Advance(13 * time.Hour)
	_, err = r.LookupHost(ctx, "cloud.example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, system.calls, "cache entry expired after its TTL")
}

func TestLookupHost_ServesStaleOnFailure(t *testing.T) {
	clk := faketime.New(time.Now())
	r, system, _ := newTestResolver(clk)
	ctx := context.Background()

	addrs, err := r.LookupHost(ctx, "cloud.example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, addrs)

	clk.Advance(13 * time.Hour)
	system.err = errors.New("lookup timed out")

	addrs, err = r.LookupHost(ctx, "cloud.example.com")
	require.NoError(t, err, "stale positive result beats a fresh failure")
	assert.Equal(t, []string{"10.0.0.1"}, addrs)
}

func TestLookupHost_FailureWithoutCache(t *testing.T) {
	r, system, _ := newTestResolver(faketime.New(time.Now()))
	system.err = errors.New("lookup timed out")

	_, err := r.LookupHost(context.Background(), "cloud.example.com")
	require.Error(t, err)
}

func TestDialContext_NoAddressesIsAnError(t *testing.T) {
	r, system, _ := newTestResolver(faketime.New(time.Now()))
	system.addrs = nil

	conn, err := r.DialContext(context.Background(), "tcp", "cloud.example.com:443")
	require.Error(t, err, "an empty address list must not hand the transport a nil conn")
	assert.Nil(t, conn)
}
