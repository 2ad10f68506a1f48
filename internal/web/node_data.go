package web

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joestump/sdrhub/internal/proto"
	"github.com/joestump/sdrhub/internal/store"
)

// sdrParams are the capture parameters a node reports in its data-connection
// path. The hub does not revalidate them against the acknowledged config; it
// stores them with every sample for later audit.
type sdrParams struct {
	kind       proto.StreamKind
	freq       uint64
	amp        uint8
	lna        uint8
	vga        uint8
	sampleRate uint64
}

func parseSDRParams(r *http.Request) (sdrParams, error) {
	var p sdrParams
	var err error
	if p.kind, err = proto.ParseStreamKind(r.PathValue("kind")); err != nil {
		return p, err
	}
	if p.freq, err = strconv.ParseUint(r.PathValue("freq"), 10, 64); err != nil {
		return p, err
	}
	amp, err := strconv.ParseUint(r.PathValue("amp"), 10, 8)
	if err != nil {
		return p, err
	}
	p.amp = uint8(amp)
	lna, err := strconv.ParseUint(r.PathValue("lna"), 10, 8)
	if err != nil {
		return p, err
	}
	p.lna = uint8(lna)
	vga, err := strconv.ParseUint(r.PathValue("vga"), 10, 8)
	if err != nil {
		return p, err
	}
	p.vga = uint8(vga)
	if p.sampleRate, err = strconv.ParseUint(r.PathValue("sample_rate"), 10, 64); err != nil {
		return p, err
	}
	return p, nil
}

// handleNodeData runs one (node, stream-kind) ingest connection. The node
// must already hold a control session; a data connection never creates
// registry state, and its exit never removes any.
func (s *Server) handleNodeData(w http.ResponseWriter, r *http.Request) {
	nodeID, err := nodeIDFromCookie(r)
	if err != nil {
		log.Printf("data: missing or invalid node_id cookie: %v", err)
		http.Error(w, "missing or invalid node_id cookie", http.StatusBadRequest)
		return
	}

	params, err := parseSDRParams(r)
	if err != nil {
		log.Printf("data: bad path parameters from %s: %v", nodeID, err)
		http.Error(w, "bad SDR parameters", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.Lookup(nodeID)
	if !ok {
		log.Printf("data: node without control worker tried to connect: %s", nodeID)
		http.Error(w, "no control session for node", http.StatusBadRequest)
		return
	}

	sender, err := s.registry.AttachStream(nodeID, params.kind)
	if err != nil {
		log.Printf("data: attach %s/%s: %v", nodeID, params.kind, err)
		http.Error(w, "no control session for node", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("data: upgrade failed for %s/%s: %v", nodeID, params.kind, err)
		return
	}
	defer conn.Close() //nolint:errcheck

	log.Printf("data: start receiving from %s/%s", nodeID, params.kind)

	// Counter to reduce the amount of output when debugging.
	frames := 0

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("data: node disconnected: %s/%s: %v", nodeID, params.kind, err)
			return
		}
		// The control session sets the terminate flag when it removes the
		// node; without it this loop would keep feeding viewers and the
		// archive ghost data from a node no control worker owns.
		if sess.TerminateRequested() {
			log.Printf("data: session terminated, closing ingest: %s/%s", nodeID, params.kind)
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Printf("data: unexpected %d frame from %s/%s", msgType, nodeID, params.kind)
			continue
		}

		ts := time.Now().UTC()
		sess.Touch(ts)

		sample := &store.Sample{
			NodeID:     nodeID,
			Kind:       params.kind,
			Freq:       params.freq,
			Amp:        params.amp,
			Lna:        params.lna,
			Vga:        params.vga,
			SampleRate: params.sampleRate,
			Timestamp:  ts,
			Data:       data,
		}
		if err := s.store.AppendSample(sample); err != nil {
			// Archived data must never be dropped silently; losing the
			// archive is fatal to this ingest session.
			log.Printf("data: append for %s/%s: %v", nodeID, params.kind, err)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "archive write failed"),
				time.Now().Add(time.Second),
			)
			return
		}

		if sender.SubscriberCount() >= 1 {
			sender.Publish(data)
		}

		frames++
		if frames >= 100 {
			log.Printf("data: node sent data: %s/%s", nodeID, params.kind)
			frames = 0
		}
	}
}
