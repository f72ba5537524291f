package peers

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// settingsPeer and settingsCache mirror the on-disk shapes of spec.md
// §6's peer settings file.
type settingsPeer struct {
	IP           string `json:"ip"`
	Port         uint16 `json:"port"`
	FirstSeen    int64  `json:"firstSeen"`
	LastSeen     int64  `json:"lastSeen"`
	Source       string `json:"source"`
	FailureCount int    `json:"failureCount"`
}

type settingsCache struct {
	LastPush int64 `json:"lastPush"`
	LastPull int64 `json:"lastPull"`
}

// settingsFile is the top-level JSON document. Extra holds any
// top-level keys we don't recognize, so Save never drops data a newer
// or older version of this engine wrote (spec.md §6 "unknown keys
// preserved on round-trip" — the same intent as the teacher's
// Deprecated_* config fields: never discard what you don't
// understand).
type settingsFile struct {
	Peers  []settingsPeer             `json:"peers"`
	Caches map[string]settingsCache   `json:"caches"`
	Extra  map[string]json.RawMessage `json:"-"`
}

func (s settingsFile) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	peers, err := json.Marshal(s.Peers)
	if err != nil {
		return nil, err
	}
	out["peers"] = peers
	caches, err := json.Marshal(s.Caches)
	if err != nil {
		return nil, err
	}
	out["caches"] = caches
	return json.Marshal(out)
}

func (s *settingsFile) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["peers"]; ok {
		if err := json.Unmarshal(v, &s.Peers); err != nil {
			return err
		}
		delete(raw, "peers")
	}
	if v, ok := raw["caches"]; ok {
		if err := json.Unmarshal(v, &s.Caches); err != nil {
			return err
		}
		delete(raw, "caches")
	}
	s.Extra = raw
	return nil
}

// Load reads a peer settings file into d, preserving any extra
// top-level keys for the subsequent Save.
func Load(path string, d *Directory) (extra map[string]json.RawMessage, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peers: reading settings file: %w", err)
	}

	var sf settingsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("peers: parsing settings file: %w", err)
	}

	for _, p := range sf.Peers {
		ip := net.ParseIP(p.IP).To4()
		if ip == nil {
			continue
		}
		var arr [4]byte
		copy(arr[:], ip)
		e := Entry{
			IP:           arr,
			Port:         p.Port,
			FirstSeen:    time.UnixMilli(p.FirstSeen),
			LastSeen:     time.UnixMilli(p.LastSeen),
			Source:       Source(p.Source),
			FailureCount: p.FailureCount,
		}
		d.entries[e.key()] = &e
	}
	for url, c := range sf.Caches {
		d.caches[url] = CacheState{
			LastPush: time.UnixMilli(c.LastPush),
			LastPull: time.UnixMilli(c.LastPull),
		}
	}
	return sf.Extra, nil
}

// Save writes d to path as JSON, carrying forward extra (unknown
// top-level keys from the last Load) untouched.
func Save(path string, d *Directory, extra map[string]json.RawMessage) error {
	sf := settingsFile{
		Caches: make(map[string]settingsCache, len(d.caches)),
		Extra:  extra,
	}
	for _, e := range d.entries {
		sf.Peers = append(sf.Peers, settingsPeer{
			IP:           net.IP(e.IP[:]).String(),
			Port:         e.Port,
			FirstSeen:    e.FirstSeen.UnixMilli(),
			LastSeen:     e.LastSeen.UnixMilli(),
			Source:       string(e.Source),
			FailureCount: e.FailureCount,
		})
	}
	for url, c := range d.caches {
		sf.Caches[url] = settingsCache{LastPush: c.LastPush.UnixMilli(), LastPull: c.LastPull.UnixMilli()}
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("peers: encoding settings file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("peers: writing settings file: %w", err)
	}
	return nil
}
