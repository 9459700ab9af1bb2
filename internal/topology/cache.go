package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/log"
)

const cacheVersion = 1

type cacheFile struct {
	Version int         `msgpack:"version"`
	Saved   int64       `msgpack:"saved"`
	Peers   []cachePeer `msgpack:"peers"`
}

type cachePeer struct {
	Identity    string      `msgpack:"identity"`
	LastReceive int64       `msgpack:"last_receive"`
	Paths       []cachePath `msgpack:"paths"`
}

type cachePath struct {
	LocalSocket int64  `msgpack:"local_socket"`
	Addr        string `msgpack:"addr"`
}

// Cache persists known identities and their last paths so a restarted node does
// not have to WHOIS every peer again.
type Cache struct {
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Save writes a snapshot of t. The file is replaced atomically.
func (c *Cache) Save(t *Topology) error {
	snap := cacheFile{Version: cacheVersion, Saved: time.Now().Unix()}
	for _, p := range t.Peers() {
		cp := cachePeer{Identity: p.Identity().String(), LastReceive: p.lastReceive.Load()}
		for _, path := range p.Paths() {
			cp.Paths = append(cp.Paths, cachePath{LocalSocket: path.LocalSocket, Addr: path.Addr.String()})
		}
		snap.Peers = append(snap.Peers, cp)
	}

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal peer cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move peer cache: %w", err)
	}
	return nil
}

// Load adds every cached identity to t and returns how many were restored. A
// missing file is not an error. Entries that fail to parse or validate are skipped.
func (c *Cache) Load(t *Topology) (int, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read peer cache: %w", err)
	}

	var snap cacheFile
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to unmarshal peer cache: %w", err)
	}
	if snap.Version != cacheVersion {
		return 0, fmt.Errorf("peer cache version %d not supported", snap.Version)
	}

	n := 0
	for _, cp := range snap.Peers {
		id, err := crypto.ParseIdentity(cp.Identity)
		if err != nil {
			log.GetLogger().WithError(err).Warn("skipping cached peer")
			continue
		}
		peer, err := t.Add(id)
		if err != nil {
			log.GetLogger().WithField("address", id.Address).WithError(err).Warn("skipping cached peer")
			continue
		}
		for i := len(cp.Paths) - 1; i >= 0; i-- {
			ap, err := netip.ParseAddrPort(cp.Paths[i].Addr)
			if err != nil {
				continue
			}
			peer.learnPath(t.Path(cp.Paths[i].LocalSocket, ap))
		}
		n++
	}
	return n, nil
}
