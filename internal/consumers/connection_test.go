package consumers

import (
	"context"
	"testing"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
)

func TestDeviceConnectionTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	consumer := NewDeviceConnection(e.repo, e.registry, e.connections, e.states, nil)

	e.cloud.Consume(ctx, cloudMsg("bf1", switchDP()))
	dev, err := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	if err != nil {
		t.Fatalf("device not created: %v", err)
	}

	msg := queue.StoreDeviceConnectionState{
		Connector:  "home",
		Identifier: "bf1",
		State:      device.StateConnected,
	}
	if !consumer.Consume(ctx, msg) {
		t.Fatal("Consume() = false for StoreDeviceConnectionState")
	}
	if got := e.connections.Get(dev.ID); got != device.StateConnected {
		t.Errorf("connection state = %s, want %s", got, device.StateConnected)
	}

	// Re-delivering the same state is a no-op.
	consumer.Consume(ctx, msg)
	if got := e.connections.Get(dev.ID); got != device.StateConnected {
		t.Errorf("connection state after repeat = %s, want %s", got, device.StateConnected)
	}
}

func TestDeviceConnectionDisconnectedInvalidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	consumer := NewDeviceConnection(e.repo, e.registry, e.connections, e.states, nil)

	tempDP := queue.DataPoint{Code: "temp_current", DataType: device.DataTypeInt, Queryable: true}
	e.cloud.Consume(ctx, cloudMsg("bf1", switchDP(), tempDP))
	dev, _ := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	ch, _ := e.repo.GetChannelByIdentifier(ctx, dev.ID, device.DomainCloud)
	prop, _ := e.repo.GetChannelProperty(ctx, ch.ID, "switch_1")
	temp, _ := e.repo.GetChannelProperty(ctx, ch.ID, "temp_current")

	e.cloud.Consume(ctx, cloudMsg("bf2", switchDP()))
	other, _ := e.repo.GetDeviceByIdentifier(ctx, "home", "bf2")
	otherCh, _ := e.repo.GetChannelByIdentifier(ctx, other.ID, device.DomainCloud)
	otherProp, _ := e.repo.GetChannelProperty(ctx, otherCh.ID, "switch_1")

	e.states.SetActual(prop.ID, true)
	e.states.SetActual(otherProp.ID, false)

	// Lost keeps the last reading visible.
	consumer.Consume(ctx, queue.StoreDeviceConnectionState{
		Connector: "home", Identifier: "bf1", State: device.StateLost,
	})
	if st, ok := e.states.Get(prop.ID); !ok || !st.Valid {
		t.Fatalf("state after lost = %+v, %v; want valid", st, ok)
	}

	// Disconnected discards it.
	consumer.Consume(ctx, queue.StoreDeviceConnectionState{
		Connector: "home", Identifier: "bf1", State: device.StateDisconnected,
	})
	st, ok := e.states.Get(prop.ID)
	if !ok {
		t.Fatal("state deleted on disconnect, want invalidated")
	}
	if st.Valid {
		t.Error("state still valid after disconnect")
	}
	if st.ActualValue != true {
		t.Errorf("ActualValue = %v, want true", st.ActualValue)
	}

	// A property that never reported has nothing to invalidate: no state
	// springs into existence for it.
	if _, ok := e.states.Get(temp.ID); ok {
		t.Error("disconnect created a state for an unreported property")
	}

	// The cascade is scoped to the disconnecting device.
	if st, ok := e.states.Get(otherProp.ID); !ok || !st.Valid {
		t.Errorf("other device's state = %+v, %v; want untouched", st, ok)
	}
}

func TestDeviceConnectionDropsBadMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	consumer := NewDeviceConnection(e.repo, e.registry, e.connections, e.states, nil)

	tests := []struct {
		name string
		msg  queue.StoreDeviceConnectionState
	}{
		{"unknown state", queue.StoreDeviceConnectionState{Connector: "home", Identifier: "bf1", State: "sideways"}},
		{"unknown connector", queue.StoreDeviceConnectionState{Connector: "nope", Identifier: "bf1", State: device.StateConnected}},
		{"unknown device", queue.StoreDeviceConnectionState{Connector: "home", Identifier: "ghost", State: device.StateConnected}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Claimed but dropped: the dispatcher must not offer it on.
			if !consumer.Consume(ctx, tt.msg) {
				t.Error("Consume() = false, want true")
			}
		})
	}
}
