package foliadb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/storage"
)

// PageSize is the coarse page-size enumeration SPEC_FULL.md §10.3 exposes
// instead of a raw byte count, the same "small/default/large" vocabulary the
// teacher's own page-size constants use.
type PageSize int

const (
	PageSizeSmall PageSize = iota
	PageSizeDefault
	PageSizeLarge
)

// bytes maps the enum onto SPEC_FULL.md §10.3's 8/16/32 KiB choices. Only
// PageSize8K has a named storage constant; the other two are spelled out
// directly since storage.Open accepts any page size and places no further
// restriction on it.
func (p PageSize) bytes() int {
	switch p {
	case PageSizeSmall:
		return storage.PageSize8K
	case PageSizeLarge:
		return 32 * 1024
	default:
		return 16 * 1024
	}
}

// GrowthBlock is the coarse file-growth-step enumeration.
type GrowthBlock int

const (
	GrowthBlock512KiB GrowthBlock = iota
	GrowthBlock1MiB
	GrowthBlock2MiB
)

func (g GrowthBlock) pages(pageSize int) int {
	var bytes int
	switch g {
	case GrowthBlock1MiB:
		bytes = 1 << 20
	case GrowthBlock2MiB:
		bytes = 2 << 20
	default:
		bytes = 512 << 10
	}
	n := bytes / pageSize
	if n < 1 {
		n = 1
	}
	return n
}

// Access selects whether Open accepts writes.
type Access int

const (
	AccessReadWrite Access = iota
	AccessReadOnly
)

// Config configures Open. Grounded on SPEC_FULL.md §10.3: a plain struct
// with sensible zero-value defaults rather than the teacher's bare
// constructor parameters, since there are now enough independent knobs
// (page size, growth, checkpoint cadence, logger, metrics registerer) that a
// positional constructor would be unreadable at call sites.
type Config struct {
	PageSize                PageSize
	GrowthBlock             GrowthBlock
	Access                  Access
	AutoCheckpointInterval  time.Duration // default 30s
	AutoCheckpointThreshold uint64        // default 10 MiB, in bytes of WAL growth
	Logger                  zerolog.Logger
	MetricsRegisterer       prometheus.Registerer // optional; nil uses a private registry
}

func (c Config) normalized() Config {
	if c.AutoCheckpointInterval == 0 {
		c.AutoCheckpointInterval = 30 * time.Second
	}
	if c.AutoCheckpointThreshold == 0 {
		c.AutoCheckpointThreshold = 10 << 20
	}
	return c
}

func (c Config) checkpointConfig() checkpoint.Config {
	return checkpoint.Config{
		Interval:      c.AutoCheckpointInterval,
		SizeThreshold: int64(c.AutoCheckpointThreshold),
		Logger:        c.Logger,
	}
}
