package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
)

func filledCycle() *models.Cycle {
	c := models.NewCycle(3, "BTCUSDT", time.Now())
	c.Status = models.CycleFilled
	c.ExitReason = models.ExitTakeProfit
	c.BuyQuantity = decimal.RequireFromString("0.00012")
	c.BuyPrice = decimal.RequireFromString("82822.75")
	c.Quantity = decimal.RequireFromString("0.00012")
	c.SellPrice = decimal.RequireFromString("84065.1")
	c.SoldQty = c.Quantity
	c.SoldPrice = c.SellPrice
	return &c
}

func TestFormatCycle(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *models.Cycle)
		contains []string
	}{
		{
			name: "filled",
			contains: []string{
				"✅ BTCUSDT cycle #3 FILLED (TAKE_PROFIT)",
				"buy: 0.00012 @ 82822.75",
				"sold: 0.00012 @ 84065.1",
				"profit: 0.14908200",
			},
		},
		{
			name: "failed simulated",
			mutate: func(c *models.Cycle) {
				c.Status = models.CycleFailed
				c.ExitReason = models.ExitSupervisionLost
				c.Simulated = true
				c.SoldQty = decimal.Zero
				c.Error = "supervision lost"
			},
			contains: []string{
				"❌ BTCUSDT cycle #3 FAILED (SUPERVISION_LOST) [simulated]",
				"profit: 0.00000000",
				"error: supervision lost",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := filledCycle()
			if tt.mutate != nil {
				tt.mutate(c)
			}
			msg := FormatCycle(c)
			for _, want := range tt.contains {
				assert.Contains(t, msg, want)
			}
		})
	}
}

func TestTelegram_NotifyCycle(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"cycle","username":"cycle_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.FormValue("text"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram("token", 42, srv.URL+"/bot%s/%s", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, tg.NotifyCycle(context.Background(), filledCycle()))
	require.NoError(t, tg.NotifyError(context.Background(), models.ErrorRecord{Symbol: "BTCUSDT", Cycle: 4, Error: "insufficient balance"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "cycle #3 FILLED")
	assert.Contains(t, sent[1], "cycle #4 aborted")
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.NotifyCycle(context.Background(), filledCycle()))
	assert.NoError(t, n.NotifyError(context.Background(), models.ErrorRecord{}))
}
