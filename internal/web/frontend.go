package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joestump/sdrhub/internal/proto"
)

// handleFrontendData serves one viewer connection for a (node, kind) stream.
// Without a time window in the query it tails the live broadcast channel;
// with `from`/`to` it replays the archived window instead. Both paths deliver
// identically chunked binary frames so the viewer needs no realtime-versus-
// historical awareness.
func (s *Server) handleFrontendData(w http.ResponseWriter, r *http.Request) {
	nodeID, err := uuid.Parse(r.PathValue("node_id"))
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	kind, err := proto.ParseStreamKind(r.PathValue("kind"))
	if err != nil {
		http.Error(w, "unknown stream kind", http.StatusBadRequest)
		return
	}
	// ZigBee forwarding is not defined yet; refuse rather than guess.
	if kind != proto.StreamFFT {
		http.Error(w, fmt.Sprintf("forwarding for %q not implemented", kind), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		s.frontendHistorical(w, r, nodeID, kind)
		return
	}
	s.frontendRealtime(w, r, nodeID, kind)
}

func (s *Server) frontendRealtime(w http.ResponseWriter, r *http.Request, nodeID uuid.UUID, kind proto.StreamKind) {
	sender, ok := s.registry.StreamSender(nodeID, kind)
	if !ok {
		http.Error(w, "no live stream for node", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("frontend: upgrade failed for %s/%s: %v", nodeID, kind, err)
		return
	}
	defer conn.Close() //nolint:errcheck

	sub := sender.Subscribe()
	defer sub.Close()

	log.Printf("frontend: viewer connected: %s/%s", nodeID, kind)

	// Drain inbound frames so close and ping frames are processed and a
	// viewer hang-up cancels the receive loop below.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		payload, lagged, err := sub.Recv(ctx)
		if err != nil {
			log.Printf("frontend: stream ended for %s/%s: %v", nodeID, kind, err)
			return
		}
		if lagged > 0 {
			// A slow viewer misses payloads instead of stalling the node.
			log.Printf("frontend: viewer lagged %d payloads on %s/%s", lagged, nodeID, kind)
		}
		if err := writeChunked(conn, payload); err != nil {
			log.Printf("frontend: viewer disconnected: %s/%s: %v", nodeID, kind, err)
			return
		}
	}
}

func (s *Server) frontendHistorical(w http.ResponseWriter, r *http.Request, nodeID uuid.UUID, kind proto.StreamKind) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339Nano, q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from timestamp", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339Nano, q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to timestamp", http.StatusBadRequest)
		return
	}

	samples, err := s.store.QuerySamples(nodeID, kind, from, to)
	if err != nil {
		log.Printf("frontend: query %s/%s: %v", nodeID, kind, err)
		http.Error(w, "archive query failed", http.StatusInternalServerError)
		return
	}
	if len(samples) == 0 {
		http.Error(w, "no stored data in window", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("frontend: upgrade failed for %s/%s: %v", nodeID, kind, err)
		return
	}
	defer conn.Close() //nolint:errcheck

	log.Printf("frontend: replaying %d payloads for %s/%s", len(samples), nodeID, kind)

	for i := range samples {
		if err := writeChunked(conn, samples[i].Data); err != nil {
			log.Printf("frontend: viewer disconnected during replay: %s/%s: %v", nodeID, kind, err)
			return
		}
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// writeChunked splits a payload into the fixed number of equal chunks the
// viewer's input buffer expects and writes each as one binary frame, in
// order. Payloads whose length does not divide evenly are dropped with a log
// line; the node violated the framing contract.
func writeChunked(conn *websocket.Conn, payload []byte) error {
	if len(payload) == 0 || len(payload)%proto.FFTChunksPerTransfer != 0 {
		log.Printf("frontend: payload length %d not divisible by %d, dropping", len(payload), proto.FFTChunksPerTransfer)
		return nil
	}
	size := len(payload) / proto.FFTChunksPerTransfer
	for off := 0; off < len(payload); off += size {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload[off:off+size]); err != nil {
			return err
		}
	}
	return nil
}
