package adminapi

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"ipmisim/internal/consolelog"
)

// handleStream taps the live outbound SOL byte stream of one MC's
// channel over server-sent events, catching the subscriber up with the
// channel's current transcript (via internal/consolelog.Writer) before
// switching to the live feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, ok := parseIPMBAddr(vars["addr"])
	if !ok {
		http.Error(w, "bad MC address", http.StatusBadRequest)
		return
	}
	number, err := strconv.Atoi(vars["number"])
	if err != nil || number < 0 || number > 15 {
		http.Error(w, "bad channel number", http.StatusBadRequest)
		return
	}
	if _, found := s.registry.Lookup(addr); !found {
		http.Error(w, "MC not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	name := consolelog.ChannelLogName(addr, number)
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", name)
	flusher.Flush()

	if content, err := s.logs.CurrentContent(name); err == nil && len(content) > 0 {
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(content))
		flusher.Flush()
	}

	ch := s.logs.Subscribe(name)
	defer s.logs.Unsubscribe(name, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(data))
			flusher.Flush()
		}
	}
}
