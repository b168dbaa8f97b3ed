// Package scanner discovers rowing monitors advertising over Bluetooth LE so
// the user can pin a SmartRow address instead of scanning by name each run.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/frame"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Sighting is what the scanner knows about one advertiser.
type Sighting struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	// SmartRow is set when the advertiser carries the SmartRow service or name.
	SmartRow bool
	Seen     int
	LastSeen time.Time
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	// Name is the local name that marks a SmartRow in addition to its service.
	Name         string
	SmartRowOnly bool
	AllowList    []string
	BlockList    []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: false,
		Name:            "SmartRow",
		SmartRowOnly:    true,
	}
}

// Scanner handles BLE discovery
type Scanner struct {
	devices *hashmap.Map[string, *Sighting]
	logger  *logrus.Logger
	opts    *Options
	now     func() time.Time
	service ble.UUID
}

// New creates a scanner with the given options.
func New(opts *Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Scanner{
		devices: hashmap.New[string, *Sighting](),
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		service: ble.UUID16(frame.ServiceUUID16),
	}
}

// Scan listens for advertisements until the configured duration elapses or
// ctx is cancelled, then returns what was seen, strongest signal first.
func (s *Scanner) Scan(ctx context.Context, progress ProgressCallback) ([]Sighting, error) {
	if progress == nil {
		progress = func(string) {}
	}

	dev, err := devicefactory.Acquire(s.logger)
	if err != nil {
		return nil, err
	}

	if s.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", s.opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	err = dev.Scan(ctx, !s.opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progress("Processing results")
	return s.Results(), nil
}

// Results returns a snapshot of the sightings so far.
func (s *Scanner) Results() []Sighting {
	out := make([]Sighting, 0, s.devices.Len())
	s.devices.Range(func(_ string, v *Sighting) bool {
		out = append(out, *v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SmartRow != out[j].SmartRow {
			return out[i].SmartRow
		}
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// handleAdvertisement updates an existing sighting or adds a new one. go-ble
// calls it from a single goroutine.
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	addr := adv.Addr().String()

	if seen, ok := s.devices.Get(addr); ok {
		seen.Seen++
		seen.RSSI = adv.RSSI()
		seen.LastSeen = s.now()
		if name := adv.LocalName(); name != "" {
			seen.Name = name
		}
		seen.SmartRow = seen.SmartRow || s.isSmartRow(adv)
		return
	}

	if !s.include(addr, adv) {
		return
	}
	seen := &Sighting{
		Address:     addr,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		SmartRow:    s.isSmartRow(adv),
		Seen:        1,
		LastSeen:    s.now(),
	}
	s.devices.Set(addr, seen)

	s.logger.WithFields(logrus.Fields{
		"device":   seen.Name,
		"address":  addr,
		"rssi":     seen.RSSI,
		"smartrow": seen.SmartRow,
	}).Info("Discovered new device")
}

func (s *Scanner) isSmartRow(adv ble.Advertisement) bool {
	if s.opts.Name != "" && strings.EqualFold(adv.LocalName(), s.opts.Name) {
		return true
	}
	for _, u := range adv.Services() {
		if u.Equal(s.service) {
			return true
		}
	}
	return false
}

// include applies the allow/block lists and the SmartRow filter
func (s *Scanner) include(addr string, adv ble.Advertisement) bool {
	for _, blocked := range s.opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}
	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return !s.opts.SmartRowOnly || s.isSmartRow(adv)
}
