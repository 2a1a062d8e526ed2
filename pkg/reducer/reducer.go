package reducer

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
	"github.com/hcp-ignite/agent/pkg/uploadmode"
)

// Policy names recognized in configuration
const (
	PolicyRemoveAlternate    = "RemoveAlternateSimilarEvent"
	PolicyRemoveRepeatedTrig = "RemoveRepeatedTriggerEvents_LeaveFirstAndLast"
	PolicyRemovePostFiles    = "RemoveTriggerEventPostFiles"
	policyDefaultFIFO        = "Default"
)

const checkpointKey = "grCheckpoint"

// UploadControl suspends and resumes the uploaders while rows are being
// deleted underneath them.
type UploadControl interface {
	Suspend()
	Resume()
}

// policySpec is one configured reduction policy with its exemption
// overrides against the shared exemption set.
type policySpec struct {
	name           string
	level          int
	addExempted    []string
	removeExempted []string
	clearDefault   bool
}

// checkpoint records where the alternate-event walk stopped so a
// reinvocation resumes instead of rescanning.
type checkpoint struct {
	LastTS    int64 `json:"lastTs"`
	LastRowID int64 `json:"lastRowId"`
}

// Reducer reclaims storage when the database exceeds its ceiling by
// applying an ordered list of lossy policies, falling back to FIFO purge
// when none frees enough. Stream-eligible rows are never deleted here;
// they only leave the store through publish and ack.
type Reducer struct {
	cfg      *config.Config
	engine   *storage.Engine
	events   *storage.EventStore
	files    *storage.UploadFileStore
	local    *storage.LocalConfig
	envelope *security.Envelope
	policy   *uploadmode.Policy
	uploads  UploadControl
	emit     func(*types.Event)

	mu sync.Mutex
}

// New builds the reducer. emit routes synthetic summary events back into
// the ingress pipeline.
func New(cfg *config.Config, engine *storage.Engine, events *storage.EventStore,
	files *storage.UploadFileStore, local *storage.LocalConfig,
	envelope *security.Envelope, policy *uploadmode.Policy,
	uploads UploadControl, emit func(*types.Event)) *Reducer {
	if emit == nil {
		emit = func(*types.Event) {}
	}
	return &Reducer{
		cfg: cfg, engine: engine, events: events, files: files, local: local,
		envelope: envelope, policy: policy, uploads: uploads, emit: emit,
	}
}

// Run performs one reduction pass. Safe to call from any goroutine; runs
// are serialized and the uploaders stay suspended for the duration.
func (r *Reducer) Run() {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := log.WithComponent("reducer")
	limit := r.cfg.GetInt("DAM.Database.dbSizeLimit", 0)
	if limit <= 0 {
		return
	}
	before := r.engine.SizeBytes()
	if before < limit {
		return
	}

	gainPercent := r.cfg.GetInt("DAM.Database.granularityReduction.freeStorageGainPercent", 10)
	goal := limit * gainPercent / 100
	metrics.ReductionRuns.Inc()
	logger.Info().Int64("db_size", before).Int64("goal_bytes", goal).Msg("starting reduction")

	if r.uploads != nil {
		r.uploads.Suspend()
		defer r.uploads.Resume()
	}

	freed := int64(0)
	for _, spec := range r.configuredPolicies() {
		sizeBefore := r.engine.SizeBytes()
		r.applyPolicy(spec)
		_ = r.engine.Vacuum()
		sizeAfter := r.engine.SizeBytes()
		gained := sizeBefore - sizeAfter
		if gained < 0 {
			gained = 0
		}
		freed += gained
		r.emitSummary(spec.name, sizeBefore, sizeAfter)
		logger.Info().Str("policy", spec.name).Int64("gained", gained).Msg("policy applied")
		if freed >= goal {
			metrics.ReductionBytesFreed.Add(float64(freed))
			return
		}
	}

	// nothing configured freed enough; fall back to FIFO purge
	sizeBefore := r.engine.SizeBytes()
	r.applyDefaultFIFO()
	_ = r.engine.Vacuum()
	sizeAfter := r.engine.SizeBytes()
	if gained := sizeBefore - sizeAfter; gained > 0 {
		freed += gained
	}
	r.emitSummary(policyDefaultFIFO, sizeBefore, sizeAfter)
	metrics.ReductionBytesFreed.Add(float64(freed))
}

// configuredPolicies reads the ordered policy list from configuration
func (r *Reducer) configuredPolicies() []policySpec {
	var specs []policySpec
	list := r.cfg.GetJSON("DAM.Database.granularityReduction.policies")
	for i, p := range list.Array() {
		spec := policySpec{level: i + 1}
		if p.IsObject() {
			spec.name = p.Get("name").String()
			for _, id := range p.Get("addlExemptedEvents").Array() {
				spec.addExempted = append(spec.addExempted, id.String())
			}
			for _, id := range p.Get("removeFromExemptedEvents").Array() {
				spec.removeExempted = append(spec.removeExempted, id.String())
			}
			spec.clearDefault = p.Get("clearDefaultExemptedEvents").Bool()
		} else {
			spec.name = p.String()
		}
		switch spec.name {
		case PolicyRemoveAlternate, PolicyRemoveRepeatedTrig, PolicyRemovePostFiles:
			specs = append(specs, spec)
		default:
			log.WithComponent("reducer").Warn().Str("policy", spec.name).Msg("unknown reduction policy ignored")
		}
	}
	return specs
}

func (r *Reducer) applyPolicy(spec policySpec) {
	exempted := r.exemptionSet(spec)
	switch spec.name {
	case PolicyRemoveAlternate:
		r.removeAlternateSimilar(spec, exempted)
	case PolicyRemoveRepeatedTrig:
		r.removeRepeatedTriggers(spec, exempted)
	case PolicyRemovePostFiles:
		r.removePostTriggerFiles(spec, exempted)
	}
}

// exemptionSet builds the effective exemption set for one policy: every
// stream-mode id is mandatorily exempt, the shared configured set applies
// unless the policy clears it, and per-policy overrides adjust the rest.
func (r *Reducer) exemptionSet(spec policySpec) map[string]struct{} {
	set := make(map[string]struct{})
	for _, id := range r.policy.StreamModeEventList() {
		set[id] = struct{}{}
	}
	if !spec.clearDefault {
		for _, id := range r.cfg.GetJSON("DAM.Database.granularityReduction.exemptedEvents").Array() {
			set[id.String()] = struct{}{}
		}
	}
	for _, id := range spec.addExempted {
		set[id] = struct{}{}
	}
	for _, id := range spec.removeExempted {
		// stream ids stay exempt no matter what the override says
		if r.policy.IsEventSupportedForStream(id) && r.policy.IsStreamModeSupported() {
			continue
		}
		delete(set, id)
	}
	return set
}

func (r *Reducer) emitSummary(policyName string, before, after int64) {
	ev := types.NewEvent("1.0", types.EventGranularityReduced)
	ev.AddField("Policy", policyName)
	ev.AddField("DBSizeBefore", before)
	ev.AddField("DBSizeAfter", after)
	ev.AddField("DBSizeGained", before-after)
	r.emit(ev)
}

// deleteRows removes rows and unlinks the attachments of any that carry
// them.
func (r *Reducer) deleteRows(rows []types.StoredEvent) {
	var ids []int64
	for _, row := range rows {
		ids = append(ids, row.ID)
		if row.HasAttach {
			r.unlinkAttachments(row)
		}
	}
	if err := r.events.DeleteRows(ids); err != nil {
		log.WithComponent("reducer").Warn().Err(err).Msg("row deletion failed")
	}
}

func (r *Reducer) unlinkAttachments(row types.StoredEvent) {
	raw, err := r.envelope.Decrypt(row.Payload)
	if err != nil {
		return
	}
	ev, err := types.ParseEvent(raw)
	if err != nil {
		return
	}
	for _, path := range ev.Attachments {
		removeFile(path)
		_ = r.files.RemoveByPath(path)
	}
}

func (r *Reducer) loadCheckpoint() checkpoint {
	var cp checkpoint
	if raw := r.local.Get(checkpointKey); raw != "" {
		_ = json.Unmarshal([]byte(raw), &cp)
	}
	return cp
}

func (r *Reducer) saveCheckpoint(cp checkpoint) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return
	}
	_ = r.local.Set(checkpointKey, string(raw))
}

func (r *Reducer) preTriggerSuffix() string {
	return r.cfg.GetString("DAM.Database.granularityReduction.preTriggerSuffix", "BEF")
}

func (r *Reducer) postTriggerSuffix() string {
	return r.cfg.GetString("DAM.Database.granularityReduction.postTriggerSuffix", "AFT")
}

func hasSuffix(id, suffix string) bool {
	return suffix != "" && strings.HasSuffix(id, suffix)
}
