package reducer

import (
	"os"
	"strings"

	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

const scanPageSize = 500

// sessionWindow is a run of rows between IgniteClientLaunched markers
type sessionWindow struct {
	rows []types.StoredEvent
}

// scanSessions walks the event table in rowid order starting after the
// checkpoint and partitions rows into session windows.
func (r *Reducer) scanSessions(after int64) []sessionWindow {
	var windows []sessionWindow
	current := sessionWindow{}
	cursor := after
	for {
		page, err := r.events.RowsAfter(cursor, scanPageSize)
		if err != nil {
			log.WithComponent("reducer").Warn().Err(err).Msg("table scan failed")
			break
		}
		if len(page) == 0 {
			break
		}
		for _, row := range page {
			cursor = row.ID
			if row.EventID == types.EventClientLaunched {
				if len(current.rows) > 0 {
					windows = append(windows, current)
				}
				current = sessionWindow{}
				continue
			}
			current.rows = append(current.rows, row)
		}
		if len(page) < scanPageSize {
			break
		}
	}
	if len(current.rows) > 0 {
		windows = append(windows, current)
	}
	return windows
}

// removeAlternateSimilar deletes every other occurrence of each event id
// within each session window, keeping the odd-indexed ones. Progress is
// checkpointed by (timestamp, rowid) so a later invocation resumes where
// this one stopped.
func (r *Reducer) removeAlternateSimilar(spec policySpec, exempted map[string]struct{}) {
	cp := r.loadCheckpoint()
	windows := r.scanSessions(cp.LastRowID)

	var toDelete []types.StoredEvent
	var survivors []int64
	last := cp
	for _, win := range windows {
		occurrence := make(map[string]int)
		for _, row := range win.rows {
			last = checkpoint{LastTS: row.Timestamp, LastRowID: row.ID}
			if row.Stream {
				continue // streaming rows never reduce
			}
			if _, ok := exempted[row.EventID]; ok {
				continue
			}
			n := occurrence[row.EventID]
			occurrence[row.EventID] = n + 1
			if n%2 == 0 {
				toDelete = append(toDelete, row)
			} else {
				survivors = append(survivors, row.ID)
			}
		}
	}

	r.deleteRows(toDelete)
	if err := r.events.SetGranularity(survivors, spec.level); err != nil {
		log.WithComponent("reducer").Warn().Err(err).Msg("granularity stamp failed")
	}
	r.saveCheckpoint(last)
}

// triggerPair is a matched pre/post trigger occurrence
type triggerPair struct {
	pre  types.StoredEvent
	post types.StoredEvent
	ok   bool // post matched
}

// removeRepeatedTriggers keeps the first and last pre/post trigger pair of
// each trigger family per session and deletes the pairs in between.
func (r *Reducer) removeRepeatedTriggers(spec policySpec, exempted map[string]struct{}) {
	preSuffix := r.preTriggerSuffix()
	postSuffix := r.postTriggerSuffix()
	windows := r.scanSessions(0)

	var toDelete []types.StoredEvent
	for _, win := range windows {
		// family base id -> ordered pairs
		pairs := make(map[string][]triggerPair)
		var order []string
		open := make(map[string]*triggerPair)

		for _, row := range win.rows {
			if row.Stream {
				continue
			}
			if _, ok := exempted[row.EventID]; ok {
				continue
			}
			switch {
			case hasSuffix(row.EventID, preSuffix):
				base := strings.TrimSuffix(row.EventID, preSuffix)
				p := triggerPair{pre: row}
				if _, seen := pairs[base]; !seen {
					order = append(order, base)
				}
				pairs[base] = append(pairs[base], p)
				open[base] = &pairs[base][len(pairs[base])-1]
			case hasSuffix(row.EventID, postSuffix):
				base := strings.TrimSuffix(row.EventID, postSuffix)
				if p, ok := open[base]; ok && !p.ok {
					p.post = row
					p.ok = true
				}
			}
		}

		for _, base := range order {
			family := pairs[base]
			if len(family) <= 2 {
				continue
			}
			// keep first and last, delete the middle pairs
			for _, p := range family[1 : len(family)-1] {
				toDelete = append(toDelete, p.pre)
				if p.ok {
					toDelete = append(toDelete, p.post)
				}
			}
		}
	}
	r.deleteRows(toDelete)
}

// removePostTriggerFiles deletes post-trigger rows that carry attachments,
// unlinking the files first.
func (r *Reducer) removePostTriggerFiles(spec policySpec, exempted map[string]struct{}) {
	postSuffix := r.postTriggerSuffix()
	windows := r.scanSessions(0)

	var toDelete []types.StoredEvent
	for _, win := range windows {
		for _, row := range win.rows {
			if row.Stream {
				continue
			}
			if _, ok := exempted[row.EventID]; ok {
				continue
			}
			if hasSuffix(row.EventID, postSuffix) && row.HasAttach {
				toDelete = append(toDelete, row)
			}
		}
	}
	r.deleteRows(toDelete)
}

// applyDefaultFIFO deletes the oldest configured percentage of rows by
// timestamp and reports the purge window as a DBOverLimit event. The
// average-record-size hint converts the byte goal into a row floor so a
// store full of small rows still frees enough.
func (r *Reducer) applyDefaultFIFO() {
	percent := r.cfg.GetInt("DAM.Database.granularityReduction.fifoEventsRemovePercent", 20)
	count, err := r.events.Count()
	if err != nil || count == 0 {
		return
	}
	drop := count * percent / 100
	if drop == 0 {
		drop = 1
	}

	recordSize := r.cfg.GetInt("DAM.Database.eventStoreRecordSize", 200)
	if recordSize < 200 {
		recordSize = 200
	} else if recordSize > 500 {
		recordSize = 500
	}
	limit := r.cfg.GetInt("DAM.Database.dbSizeLimit", 0)
	gainPercent := r.cfg.GetInt("DAM.Database.granularityReduction.freeStorageGainPercent", 10)
	if goal := limit * gainPercent / 100; goal > 0 {
		if floor := goal / recordSize; floor > drop && floor < count {
			drop = floor
		}
	}

	oldest, err := r.events.OldestTimestamp()
	if err != nil {
		return
	}
	cutoff, err := r.events.TimestampAtOffset(drop)
	if err != nil {
		return
	}

	deleted, err := r.events.DeleteOlderThan(cutoff, true)
	if err != nil {
		log.WithComponent("reducer").Warn().Err(err).Msg("fifo purge failed")
		return
	}
	log.WithComponent("reducer").Info().Int64("deleted", deleted).Msg("fifo purge complete")

	ev := types.NewEvent("1.0", types.EventDBOverLimit)
	ev.AddField("Action", "Purge")
	ev.AddField("EventsDeletedFrom", oldest)
	ev.AddField("EventsDeletedTo", cutoff)
	r.emit(ev)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithComponent("reducer").Warn().Err(err).Str("file", path).Msg("attachment unlink failed")
	}
}
