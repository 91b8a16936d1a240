// Package repository holds the PostgreSQL implementations of the regional
// stores: the mailbox table, workflow checkpoints and dead letters.
package repository

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"superpost/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func observe(op, table string, start time.Time) {
	metrics.RecordDBQueryDuration(op, table, time.Since(start))
}
