package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"ipmisim/internal/channel"
	"ipmisim/internal/mc"
)

// mcSummary is the listing-view shape for /api/mcs.
type mcSummary struct {
	IPMBAddr   string `json:"ipmbAddr"`
	Enabled    bool   `json:"enabled"`
	DeviceID   uint8  `json:"deviceId"`
	SensorCount int   `json:"sensorCount"`
	UserCount   int   `json:"userCount"`
	ChannelCount int  `json:"channelCount"`
}

func summarizeMC(m *mc.MC) mcSummary {
	m.Lock()
	defer m.Unlock()

	users := 0
	for i := range m.Users {
		if m.Users[i].Enabled {
			users++
		}
	}
	channels := 0
	for _, c := range m.Channels {
		if c != nil {
			channels++
		}
	}

	return mcSummary{
		IPMBAddr:     fmt.Sprintf("0x%02x", m.IPMBAddr),
		Enabled:      m.Enabled,
		DeviceID:     m.DeviceID,
		SensorCount:  len(m.Sensors),
		UserCount:    users,
		ChannelCount: channels,
	}
}

func (s *Server) handleListMCs(w http.ResponseWriter, r *http.Request) {
	mcs := s.registry.All()
	out := make([]mcSummary, 0, len(mcs))
	for _, m := range mcs {
		out = append(out, summarizeMC(m))
	}
	writeJSON(w, out)
}

// mcDetail is the full-detail view for /api/mcs/{addr}.
type mcDetail struct {
	mcSummary
	GUID     string          `json:"guid"`
	Sensors  []sensorView    `json:"sensors"`
	Users    []userView      `json:"users"`
	Channels []channelView   `json:"channels"`
}

type sensorView struct {
	Number uint8  `json:"number"`
	Name   string `json:"name"`
	Value  uint8  `json:"value"`
}

type userView struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Priv  uint8  `json:"priv"`
}

type channelView struct {
	Number       int    `json:"number"`
	Medium       string `json:"medium"`
	SessionCount int    `json:"sessionCount"`
	RecvQueueLen int    `json:"recvQueueLen"`
	Attention    bool   `json:"attention"`
	BoundMC      string `json:"boundMc,omitempty"`
}

func mediumName(med channel.Medium) string {
	switch med {
	case channel.MediumSystemInterface:
		return "system_interface"
	case channel.MediumIPMB:
		return "ipmb"
	case channel.MediumLAN:
		return "lan"
	case channel.MediumSerial:
		return "serial"
	default:
		return "unknown"
	}
}

func (s *Server) handleMCDetail(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseIPMBAddr(mux.Vars(r)["addr"])
	if !ok {
		http.Error(w, "bad MC address", http.StatusBadRequest)
		return
	}
	m, found := s.registry.Lookup(addr)
	if !found {
		http.Error(w, "MC not found", http.StatusNotFound)
		return
	}

	m.Lock()
	detail := mcDetail{
		mcSummary: mcSummary{
			IPMBAddr:    fmt.Sprintf("0x%02x", m.IPMBAddr),
			Enabled:     m.Enabled,
			DeviceID:    m.DeviceID,
			SensorCount: len(m.Sensors),
		},
		GUID: m.GUID.String(),
	}
	for _, sn := range m.Sensors {
		detail.Sensors = append(detail.Sensors, sensorView{Number: sn.Number, Name: sn.Name, Value: sn.Value})
	}
	for i, u := range m.Users {
		if i == 0 || !u.Enabled {
			continue
		}
		detail.Users = append(detail.Users, userView{Index: i, Name: u.Name, Priv: u.Priv})
	}
	channels := m.Channels
	m.Unlock()

	detail.UserCount = len(detail.Users)
	for _, c := range channels {
		if c == nil {
			continue
		}
		boundMC, _ := c.BoundMC()
		detail.Channels = append(detail.Channels, channelView{
			Number:       c.Number,
			Medium:       mediumName(c.Medium),
			SessionCount: c.SessionCount,
			RecvQueueLen: c.RecvQueueLen(),
			Attention:    c.Attention(),
			BoundMC:      boundMC,
		})
	}
	detail.ChannelCount = len(detail.Channels)

	writeJSON(w, detail)
}

// sessionView is the listing-view shape for /api/sessions.
type sessionView struct {
	Handle          uint8  `json:"handle"`
	Active          bool   `json:"active"`
	State           string `json:"state"`
	SID             uint32 `json:"sid"`
	RemoteSID       uint32 `json:"remoteSid"`
	UserID          uint8  `json:"userId"`
	Role            uint8  `json:"role"`
	TimeLeftSeconds int    `json:"timeLeftSeconds"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.All()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Snapshot()
		out = append(out, sessionView{
			Handle:          info.Handle,
			Active:          info.Active,
			State:           info.State,
			SID:             info.SID,
			RemoteSID:       info.RemoteSID,
			UserID:          info.UserID,
			Role:            info.Role,
			TimeLeftSeconds: info.TimeLeftSeconds,
		})
	}
	writeJSON(w, out)
}

func parseIPMBAddr(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
