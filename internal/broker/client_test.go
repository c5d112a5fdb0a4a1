package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	cfg := DefaultConfig("wss://example.test/ws", "1089")
	return New(cfg, zerolog.Nop())
}

func TestBuildURL_IncludesAppID(t *testing.T) {
	c := testClient()
	u, err := c.buildURL()
	require.NoError(t, err)
	assert.Equal(t, "1089", u.Query().Get("app_id"))
}

func TestConnect_MissingAppIDFails(t *testing.T) {
	cfg := DefaultConfig("wss://example.test/ws", "")
	c := New(cfg, zerolog.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestHandleTick_DedupDropsNonIncreasingEpoch(t *testing.T) {
	c := testClient()

	c.handleTick(tickFrame{Symbol: "R_100", Quote: 100, Epoch: 1_700_000_000})
	c.handleTick(tickFrame{Symbol: "R_100", Quote: 101, Epoch: 1_700_000_000})
	c.handleTick(tickFrame{Symbol: "R_100", Quote: 102, Epoch: 1_700_000_000})

	select {
	case <-c.events.Tick:
	default:
		t.Fatal("expected the first tick to be emitted")
	}
	select {
	case tk := <-c.events.Tick:
		t.Fatalf("expected no further ticks, got %+v", tk)
	default:
	}
}

func TestHandleTick_StrictlyIncreasingEpochPasses(t *testing.T) {
	c := testClient()

	c.handleTick(tickFrame{Symbol: "R_100", Quote: 100, Epoch: 1})
	c.handleTick(tickFrame{Symbol: "R_100", Quote: 101, Epoch: 2})

	count := 0
	for {
		select {
		case <-c.events.Tick:
			count++
		default:
			assert.Equal(t, 2, count)
			return
		}
	}
}

func TestHandleSettlement_UnsoldContractDoesNotEmit(t *testing.T) {
	c := testClient()
	c.handleSettlement(contractFrame{ContractID: 1, IsSold: 0, Profit: 5})

	select {
	case s := <-c.events.Settled:
		t.Fatalf("expected no settlement event for an unsold contract, got %+v", s)
	default:
	}
}

func TestHandleSettlement_SoldContractEmitsOutcome(t *testing.T) {
	c := testClient()
	c.handleSettlement(contractFrame{ContractID: 1, IsSold: 1, Profit: -3})

	select {
	case s := <-c.events.Settled:
		assert.Equal(t, Loss, s.Outcome)
		assert.Equal(t, -3.0, s.PnL)
	default:
		t.Fatal("expected a settlement event")
	}
}
