package updater

import (
	"context"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

type fakeConsensus struct {
	leader bool
	config raft.Configuration
}

func (f *fakeConsensus) IsLeader() bool                            { return f.leader }
func (f *fakeConsensus) GetConfiguration() (raft.Configuration, error) { return f.config, nil }
func (f *fakeConsensus) AddVoter(id, addr string) error            { return nil }
func (f *fakeConsensus) RemoveServer(id string) error              { return nil }
func (f *fakeConsensus) LeadershipTransfer() error                 { return nil }
func (f *fakeConsensus) LeaderAddr() string                        { return "" }

type fakeProposer struct{ proposed []types.EntryKind }

func (f *fakeProposer) Propose(kind types.EntryKind, payload interface{}) error {
	f.proposed = append(f.proposed, kind)
	return nil
}

type fakeAddresses struct{}

func (fakeAddresses) NodeAddress(nodeID string) (string, bool) { return "", false }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunAbortsWhenNotLeader(t *testing.T) {
	u := New(&fakeConsensus{leader: false}, fakeAddresses{}, &fakeProposer{}, events.NewBroker(), nil, newTestStore(t), "self")
	_, err := u.Run(context.Background(), "/bin/true", true)
	require.Error(t, err)
}

func TestRunAbortsOnInsufficientVoters(t *testing.T) {
	config := raft.Configuration{Servers: []raft.Server{
		{ID: "self", Address: "127.0.0.1:1"},
	}}
	u := New(&fakeConsensus{leader: true, config: config}, fakeAddresses{}, &fakeProposer{}, events.NewBroker(), nil, newTestStore(t), "self")
	report, err := u.Run(context.Background(), "/bin/true", false)
	require.NoError(t, err)
	require.True(t, report.Aborted)
}

func TestRunDryRunReportsVotersWithoutMutating(t *testing.T) {
	config := raft.Configuration{Servers: []raft.Server{
		{ID: "self", Address: "127.0.0.1:1"},
		{ID: "n2", Address: "127.0.0.1:2"},
		{ID: "n3", Address: "127.0.0.1:3"},
	}}
	proposer := &fakeProposer{}
	u := New(&fakeConsensus{leader: true, config: config}, fakeAddresses{}, proposer, events.NewBroker(), nil, newTestStore(t), "self")
	report, err := u.Run(context.Background(), "/bin/true", true)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Len(t, report.Nodes, 3)
	require.Empty(t, proposer.proposed)
}
