package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cumulus/pkg/engine"
)

func pollUntilDone(t *testing.T, gw engine.Gateway, h *engine.OperationHandle) *engine.PollResult {
	t.Helper()
	for i := 0; i < 100; i++ {
		res, err := gw.Poll(context.Background(), h)
		require.NoError(t, err)
		if res.Status != engine.PollPending {
			return res
		}
	}
	t.Fatalf("operation %s never finished", h.ID)
	return nil
}

func TestSimulatorCreateIsIdempotentByToken(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{PollsToComplete: 2})
	ctx := context.Background()
	spec := &engine.VolumeSpec{Name: "data", SizeMiB: 1024}

	h1, err := sim.Create(ctx, "tok-1", spec, nil)
	require.NoError(t, err)
	h2, err := sim.Create(ctx, "tok-1", spec, nil)
	require.NoError(t, err)
	assert.Equal(t, h1.ID, h2.ID)
	assert.Equal(t, 1, sim.Calls())

	res, err := sim.Poll(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, engine.PollPending, res.Status)

	res = pollUntilDone(t, sim, h1)
	assert.Equal(t, engine.PollSucceeded, res.Status)
	assert.Equal(t, h1.RemoteID, res.RemoteID)

	// Replaying after completion still yields one object.
	_, err = sim.Create(ctx, "tok-1", spec, nil)
	require.NoError(t, err)
	assert.Len(t, sim.Objects(engine.KindVolume), 1)
}

func TestSimulatorScriptedFailure(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()
	sim.FailOn(engine.OperationCreate, engine.KindInstance, "doomed", "No valid host was found")

	h, err := sim.Create(ctx, "tok", &engine.InstanceSpec{Name: "doomed", Flavor: "m1", Image: "cirros"}, nil)
	require.NoError(t, err)
	res := pollUntilDone(t, sim, h)
	assert.Equal(t, engine.PollFailed, res.Status)
	assert.Equal(t, "No valid host was found", res.Reason)
	assert.Empty(t, sim.Objects(engine.KindInstance))
}

func TestSimulatorClearFailure(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()
	spec := &engine.InstanceSpec{Name: "doomed", Flavor: "m1", Image: "cirros"}
	sim.FailOn(engine.OperationCreate, engine.KindInstance, "doomed", "No valid host was found")

	h1, err := sim.Create(ctx, "tok-1", spec, nil)
	require.NoError(t, err)
	sim.ClearFailure(engine.OperationCreate, engine.KindInstance, "doomed")

	assert.Equal(t, engine.PollFailed, pollUntilDone(t, sim, h1).Status, "started operations keep their outcome")

	h2, err := sim.Create(ctx, "tok-2", spec, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, h2).Status)
	assert.Len(t, sim.Objects(engine.KindInstance), 1)
}

func TestSimulatorHang(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()
	sim.HangOn(engine.OperationCreate, engine.KindVolume, "slow")

	h, err := sim.Create(ctx, "tok", &engine.VolumeSpec{Name: "slow", SizeMiB: 1}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := sim.Poll(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, engine.PollPending, res.Status)
	}

	sim.Unhang(engine.OperationCreate, engine.KindVolume, "slow")
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, h).Status)
}

func TestSimulatorReferencesMustExist(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()

	h, err := sim.Create(ctx, "snap", &engine.SnapshotSpec{Name: "s", SourceVolumeID: "vol-1"},
		map[string]string{"vol-1": "volume-9999"})
	require.NoError(t, err)
	res := pollUntilDone(t, sim, h)
	assert.Equal(t, engine.PollFailed, res.Status)
	assert.Contains(t, res.Reason, "volume-9999")

	vh, err := sim.Create(ctx, "vol", &engine.VolumeSpec{Name: "v", SizeMiB: 1}, nil)
	require.NoError(t, err)
	vres := pollUntilDone(t, sim, vh)

	h, err = sim.Create(ctx, "snap-2", &engine.SnapshotSpec{Name: "s", SourceVolumeID: "vol-1"},
		map[string]string{"vol-1": vres.RemoteID})
	require.NoError(t, err)
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, h).Status)
}

func TestSimulatorDeleteAndModify(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()

	h, err := sim.Create(ctx, "c", &engine.SecurityGroupSpec{Name: "web"}, nil)
	require.NoError(t, err)
	remoteID := pollUntilDone(t, sim, h).RemoteID

	mh, err := sim.Modify(ctx, "m", remoteID, &engine.SecurityGroupSpec{Name: "web-2"})
	require.NoError(t, err)
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, mh).Status)
	assert.Equal(t, "web-2", sim.Objects(engine.KindSecurityGroup)[0].Name)

	dh, err := sim.Delete(ctx, "d", engine.KindSecurityGroup, remoteID)
	require.NoError(t, err)
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, dh).Status)
	assert.Empty(t, sim.Objects(engine.KindSecurityGroup))

	// Deleting something already gone succeeds.
	dh, err = sim.Delete(ctx, "d2", engine.KindSecurityGroup, remoteID)
	require.NoError(t, err)
	assert.Equal(t, engine.PollSucceeded, pollUntilDone(t, sim, dh).Status)

	// Modifying something gone fails.
	mh, err = sim.Modify(ctx, "m2", remoteID, &engine.SecurityGroupSpec{Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, engine.PollFailed, pollUntilDone(t, sim, mh).Status)
}

func TestSimulatorTransientErrors(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()
	sim.InjectTransientErrors(1)

	_, err := sim.Create(ctx, "tok", &engine.VolumeSpec{Name: "v", SizeMiB: 1}, nil)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	_, err = sim.Create(ctx, "tok", &engine.VolumeSpec{Name: "v", SizeMiB: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Calls())
}

func TestSimulatorRejectsCompositeKinds(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	_, err := sim.Create(context.Background(), "tok", &engine.BackupSpec{InstanceID: "i"}, nil)
	assert.True(t, engine.IsValidation(err))

	_, err = sim.Poll(context.Background(), &engine.OperationHandle{ID: "nope"})
	assert.True(t, engine.IsNotFound(err))
}
