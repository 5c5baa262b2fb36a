package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"autotrader/internal/models"
	"autotrader/internal/pricefeed"
)

func TestStreamHub_RelaysFilteredEvents(t *testing.T) {
	hub := NewStreamHub(nil)
	engine := gin.New()
	hub.Register(engine)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/prices?instrument=CS.D.EURUSD.CFD.IP"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	ts := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, hub.OnPriceUpdate(ctx, pricefeed.PriceEvent{Instrument: "IX.D.SPTRD.DAILY.IP", Resolution: pricefeed.Hour, Timestamp: ts}))
	require.NoError(t, hub.OnPriceUpdate(ctx, pricefeed.PriceEvent{
		Instrument: "CS.D.EURUSD.CFD.IP",
		Resolution: pricefeed.Hour,
		Timestamp:  ts,
		Snapshot:   models.PriceSnapshot{Instrument: "CS.D.EURUSD.CFD.IP", Resolution: "HOUR", Timestamp: ts},
	}))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var got pricefeed.PriceEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "CS.D.EURUSD.CFD.IP", got.Instrument)
	assert.Equal(t, pricefeed.Hour, got.Resolution)
	assert.True(t, got.Timestamp.Equal(ts))

	_ = conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHub_DropsWhenClientLags(t *testing.T) {
	hub := NewStreamHub(nil)
	sc := &streamClient{send: make(chan []byte, 1), instruments: map[string]struct{}{}}
	hub.add(sc)

	ev := pricefeed.PriceEvent{Instrument: "X", Resolution: pricefeed.Minute}
	require.NoError(t, hub.OnPriceUpdate(context.Background(), ev))
	require.NoError(t, hub.OnPriceUpdate(context.Background(), ev))
	assert.Len(t, sc.send, 1)
	assert.Equal(t, "stream", hub.Name())
}
