package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type segmentLabel struct {
	channel string
	quality string
	kind    string
}

type peerLabel struct {
	peer    string
	channel string
	quality string
}

// CutLabel keys cut counters and duration sums by cut type (fast/smart/full/webm).
type CutLabel struct {
	Type string
}

// ClaimLabel keys claim counters by upload location.
type ClaimLabel struct {
	Location string
}

// TranscodePollLabel keys backend query_status poll outcomes.
type TranscodePollLabel struct {
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, segment ingestion, peer backfill, cut-job claiming, cutting, and
// transcode polling. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for coverage and active-cutter tracking.
type Recorder struct {
	mu sync.RWMutex

	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	segmentsDownloaded map[segmentLabel]uint64
	segmentsRetried    map[segmentLabel]uint64
	segmentsAbandoned  map[segmentLabel]uint64

	backfillFetched      map[peerLabel]uint64
	backfillHashMismatch map[peerLabel]uint64
	backfillLagSeconds   map[peerLabel]float64

	claimAttempts map[ClaimLabel]uint64
	claimWins     map[ClaimLabel]uint64

	cutCount    map[CutLabel]uint64
	cutDuration map[CutLabel]time.Duration

	transcodePolls map[TranscodePollLabel]uint64

	coverageRebuilds atomic.Int64
	activeCutters    atomic.Int64
	ambiguousCommits atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:         make(map[requestLabel]uint64),
		requestDuration:      make(map[requestLabel]time.Duration),
		segmentsDownloaded:   make(map[segmentLabel]uint64),
		segmentsRetried:      make(map[segmentLabel]uint64),
		segmentsAbandoned:    make(map[segmentLabel]uint64),
		backfillFetched:      make(map[peerLabel]uint64),
		backfillHashMismatch: make(map[peerLabel]uint64),
		backfillLagSeconds:   make(map[peerLabel]float64),
		claimAttempts:        make(map[ClaimLabel]uint64),
		claimWins:            make(map[ClaimLabel]uint64),
		cutCount:             make(map[CutLabel]uint64),
		cutDuration:          make(map[CutLabel]time.Duration),
		transcodePolls:       make(map[TranscodePollLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SegmentDownloaded records one segment successfully persisted to the hour
// bucket, classified as full, suspect, or partial.
func (r *Recorder) SegmentDownloaded(channel, quality, kind string) {
	label := segmentLabel{channel: normalizeName(channel), quality: normalizeName(quality), kind: normalizeName(kind)}
	r.mu.Lock()
	r.segmentsDownloaded[label]++
	r.mu.Unlock()
}

// SegmentRetried records a transient-failure retry of one segment download.
func (r *Recorder) SegmentRetried(channel, quality string) {
	label := segmentLabel{channel: normalizeName(channel), quality: normalizeName(quality)}
	r.mu.Lock()
	r.segmentsRetried[label]++
	r.mu.Unlock()
}

// SegmentAbandoned records a segment download abandoned after exhausting
// retries without obtaining usable bytes.
func (r *Recorder) SegmentAbandoned(channel, quality string) {
	label := segmentLabel{channel: normalizeName(channel), quality: normalizeName(quality)}
	r.mu.Lock()
	r.segmentsAbandoned[label]++
	r.mu.Unlock()
}

// BackfillFetched records one segment successfully pulled from a peer node.
func (r *Recorder) BackfillFetched(peer, channel, quality string) {
	label := peerLabel{peer: normalizeName(peer), channel: normalizeName(channel), quality: normalizeName(quality)}
	r.mu.Lock()
	r.backfillFetched[label]++
	r.mu.Unlock()
}

// BackfillHashMismatch records a peer-served segment discarded because its
// observed content hash disagreed with the filename's declared hash.
func (r *Recorder) BackfillHashMismatch(peer, channel, quality string) {
	label := peerLabel{peer: normalizeName(peer), channel: normalizeName(channel), quality: normalizeName(quality)}
	r.mu.Lock()
	r.backfillHashMismatch[label]++
	r.mu.Unlock()
}

// SetBackfillLag records the age, in seconds, of the oldest hour bucket still
// missing segments for a (peer, channel, quality) backfill worker.
func (r *Recorder) SetBackfillLag(peer, channel, quality string, seconds float64) {
	label := peerLabel{peer: normalizeName(peer), channel: normalizeName(channel), quality: normalizeName(quality)}
	r.mu.Lock()
	r.backfillLagSeconds[label] = seconds
	r.mu.Unlock()
}

// ObserveClaimAttempt records a cutter's attempt to claim an EDITED row for
// the given upload location and whether the attempt won the race.
func (r *Recorder) ObserveClaimAttempt(location string, won bool) {
	label := ClaimLabel{Location: normalizeName(location)}
	r.mu.Lock()
	r.claimAttempts[label]++
	if won {
		r.claimWins[label]++
	}
	r.mu.Unlock()
}

// ObserveCut records one completed cut of the given type and its wall-clock
// duration.
func (r *Recorder) ObserveCut(cutType string, duration time.Duration) {
	label := CutLabel{Type: normalizeName(cutType)}
	r.mu.Lock()
	r.cutCount[label]++
	r.cutDuration[label] += duration
	r.mu.Unlock()
}

// ObserveTranscodePoll records a backend query_status poll outcome
// ("transcoding", "done", "error") for a row in TRANSCODING.
func (r *Recorder) ObserveTranscodePoll(outcome string) {
	label := TranscodePollLabel{Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.transcodePolls[label]++
	r.mu.Unlock()
}

// CoverageRebuilt increments the count of completed segment-coverage audit
// passes.
func (r *Recorder) CoverageRebuilt() {
	r.coverageRebuilds.Add(1)
}

// CutterActive adjusts the gauge of in-flight cut-and-upload jobs on this
// node, guarding against negative counts when concurrent updates race.
func (r *Recorder) CutterActive(delta int64) {
	if delta < 0 {
		r.decrementGauge(&r.activeCutters)
		return
	}
	r.activeCutters.Add(delta)
}

// ObserveAmbiguousCommit records a backend Commit failure that could not be
// classified as either a confirmed non-commit or a confirmed permanent
// failure: the row stays in FINALIZING with no automatic transition, and
// this counter is the monitoring signal an operator watches for it.
func (r *Recorder) ObserveAmbiguousCommit() {
	r.ambiguousCommits.Add(1)
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.segmentsDownloaded = make(map[segmentLabel]uint64)
	r.segmentsRetried = make(map[segmentLabel]uint64)
	r.segmentsAbandoned = make(map[segmentLabel]uint64)
	r.backfillFetched = make(map[peerLabel]uint64)
	r.backfillHashMismatch = make(map[peerLabel]uint64)
	r.backfillLagSeconds = make(map[peerLabel]float64)
	r.claimAttempts = make(map[ClaimLabel]uint64)
	r.claimWins = make(map[ClaimLabel]uint64)
	r.cutCount = make(map[CutLabel]uint64)
	r.cutDuration = make(map[CutLabel]time.Duration)
	r.transcodePolls = make(map[TranscodePollLabel]uint64)
	r.coverageRebuilds.Store(0)
	r.activeCutters.Store(0)
	r.ambiguousCommits.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	downloadedLabels := r.sortedSegmentLabels(r.segmentsDownloaded)
	retriedLabels := r.sortedSegmentLabels(r.segmentsRetried)
	abandonedLabels := r.sortedSegmentLabels(r.segmentsAbandoned)
	fetchedLabels := r.sortedPeerLabels(r.backfillFetched)
	mismatchLabels := r.sortedPeerLabels(r.backfillHashMismatch)
	lagLabels := r.sortedPeerLagLabels()
	claimLabels := r.sortedClaimLabels()
	cutLabels := r.sortedCutLabels()
	pollLabels := r.sortedTranscodePollLabels()

	fmt.Fprintln(w, "# HELP wubloader_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE wubloader_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "wubloader_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_http_request_duration_seconds_sum Cumulative duration of HTTP requests")
	fmt.Fprintln(w, "# TYPE wubloader_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "wubloader_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP wubloader_segments_downloaded_total Segments persisted to the hour bucket by classification")
	fmt.Fprintln(w, "# TYPE wubloader_segments_downloaded_total counter")
	for _, label := range downloadedLabels {
		fmt.Fprintf(w, "wubloader_segments_downloaded_total{channel=\"%s\",quality=\"%s\",type=\"%s\"} %d\n",
			label.channel, label.quality, label.kind, r.segmentsDownloaded[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_segments_retried_total Segment downloads retried after a transient failure")
	fmt.Fprintln(w, "# TYPE wubloader_segments_retried_total counter")
	for _, label := range retriedLabels {
		fmt.Fprintf(w, "wubloader_segments_retried_total{channel=\"%s\",quality=\"%s\"} %d\n",
			label.channel, label.quality, r.segmentsRetried[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_segments_abandoned_total Segment downloads abandoned with no usable bytes")
	fmt.Fprintln(w, "# TYPE wubloader_segments_abandoned_total counter")
	for _, label := range abandonedLabels {
		fmt.Fprintf(w, "wubloader_segments_abandoned_total{channel=\"%s\",quality=\"%s\"} %d\n",
			label.channel, label.quality, r.segmentsAbandoned[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_backfill_fetched_total Segments pulled from peer nodes")
	fmt.Fprintln(w, "# TYPE wubloader_backfill_fetched_total counter")
	for _, label := range fetchedLabels {
		fmt.Fprintf(w, "wubloader_backfill_fetched_total{peer=\"%s\",channel=\"%s\",quality=\"%s\"} %d\n",
			label.peer, label.channel, label.quality, r.backfillFetched[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_backfill_hash_mismatch_total Peer-served segments discarded for hash mismatch")
	fmt.Fprintln(w, "# TYPE wubloader_backfill_hash_mismatch_total counter")
	for _, label := range mismatchLabels {
		fmt.Fprintf(w, "wubloader_backfill_hash_mismatch_total{peer=\"%s\",channel=\"%s\",quality=\"%s\"} %d\n",
			label.peer, label.channel, label.quality, r.backfillHashMismatch[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_backfill_lag_seconds Age of the oldest incomplete hour bucket per backfill worker")
	fmt.Fprintln(w, "# TYPE wubloader_backfill_lag_seconds gauge")
	for _, label := range lagLabels {
		fmt.Fprintf(w, "wubloader_backfill_lag_seconds{peer=\"%s\",channel=\"%s\",quality=\"%s\"} %f\n",
			label.peer, label.channel, label.quality, r.backfillLagSeconds[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_claim_attempts_total Event row claim attempts by upload location")
	fmt.Fprintln(w, "# TYPE wubloader_claim_attempts_total counter")
	for _, label := range claimLabels {
		fmt.Fprintf(w, "wubloader_claim_attempts_total{location=\"%s\"} %d\n", label.Location, r.claimAttempts[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_claim_wins_total Event row claims that won the race")
	fmt.Fprintln(w, "# TYPE wubloader_claim_wins_total counter")
	for _, label := range claimLabels {
		fmt.Fprintf(w, "wubloader_claim_wins_total{location=\"%s\"} %d\n", label.Location, r.claimWins[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_cuts_total Completed cuts by type")
	fmt.Fprintln(w, "# TYPE wubloader_cuts_total counter")
	for _, label := range cutLabels {
		fmt.Fprintf(w, "wubloader_cuts_total{type=\"%s\"} %d\n", label.Type, r.cutCount[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_cut_duration_seconds_sum Cumulative wall-clock cut duration by type")
	fmt.Fprintln(w, "# TYPE wubloader_cut_duration_seconds_sum counter")
	for _, label := range cutLabels {
		fmt.Fprintf(w, "wubloader_cut_duration_seconds_sum{type=\"%s\"} %f\n", label.Type, r.cutDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP wubloader_transcode_polls_total Backend query_status polls by outcome")
	fmt.Fprintln(w, "# TYPE wubloader_transcode_polls_total counter")
	for _, label := range pollLabels {
		fmt.Fprintf(w, "wubloader_transcode_polls_total{outcome=\"%s\"} %d\n", label.Outcome, r.transcodePolls[label])
	}

	fmt.Fprintln(w, "# HELP wubloader_coverage_rebuilds_total Completed segment-coverage audit passes")
	fmt.Fprintln(w, "# TYPE wubloader_coverage_rebuilds_total counter")
	fmt.Fprintf(w, "wubloader_coverage_rebuilds_total %d\n", r.coverageRebuilds.Load())

	fmt.Fprintln(w, "# HELP wubloader_active_cutters Current number of in-flight cut-and-upload jobs on this node")
	fmt.Fprintln(w, "# TYPE wubloader_active_cutters gauge")
	fmt.Fprintf(w, "wubloader_active_cutters %d\n", r.activeCutters.Load())

	fmt.Fprintln(w, "# HELP wubloader_ambiguous_commits_total Backend commit failures of unknown outcome, row left in FINALIZING")
	fmt.Fprintln(w, "# TYPE wubloader_ambiguous_commits_total counter")
	fmt.Fprintf(w, "wubloader_ambiguous_commits_total %d\n", r.ambiguousCommits.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSegmentLabels(src map[segmentLabel]uint64) []segmentLabel {
	labels := make([]segmentLabel, 0, len(src))
	for label := range src {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].channel != labels[j].channel {
			return labels[i].channel < labels[j].channel
		}
		if labels[i].quality != labels[j].quality {
			return labels[i].quality < labels[j].quality
		}
		return labels[i].kind < labels[j].kind
	})
	return labels
}

func (r *Recorder) sortedPeerLabels(src map[peerLabel]uint64) []peerLabel {
	labels := make([]peerLabel, 0, len(src))
	for label := range src {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].peer != labels[j].peer {
			return labels[i].peer < labels[j].peer
		}
		if labels[i].channel != labels[j].channel {
			return labels[i].channel < labels[j].channel
		}
		return labels[i].quality < labels[j].quality
	})
	return labels
}

func (r *Recorder) sortedPeerLagLabels() []peerLabel {
	labels := make([]peerLabel, 0, len(r.backfillLagSeconds))
	for label := range r.backfillLagSeconds {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].peer != labels[j].peer {
			return labels[i].peer < labels[j].peer
		}
		if labels[i].channel != labels[j].channel {
			return labels[i].channel < labels[j].channel
		}
		return labels[i].quality < labels[j].quality
	})
	return labels
}

func (r *Recorder) sortedClaimLabels() []ClaimLabel {
	seen := make(map[ClaimLabel]struct{}, len(r.claimAttempts)+len(r.claimWins))
	for label := range r.claimAttempts {
		seen[label] = struct{}{}
	}
	for label := range r.claimWins {
		seen[label] = struct{}{}
	}
	labels := make([]ClaimLabel, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Location < labels[j].Location })
	return labels
}

func (r *Recorder) sortedCutLabels() []CutLabel {
	labels := make([]CutLabel, 0, len(r.cutCount))
	for label := range r.cutCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Type < labels[j].Type })
	return labels
}

func (r *Recorder) sortedTranscodePollLabels() []TranscodePollLabel {
	labels := make([]TranscodePollLabel, 0, len(r.transcodePolls))
	for label := range r.transcodePolls {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Outcome < labels[j].Outcome })
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SegmentDownloaded records a segment download on the default recorder.
func SegmentDownloaded(channel, quality, kind string) {
	defaultRecorder.SegmentDownloaded(channel, quality, kind)
}

// SegmentRetried records a segment retry on the default recorder.
func SegmentRetried(channel, quality string) {
	defaultRecorder.SegmentRetried(channel, quality)
}

// SegmentAbandoned records an abandoned segment download on the default recorder.
func SegmentAbandoned(channel, quality string) {
	defaultRecorder.SegmentAbandoned(channel, quality)
}

// BackfillFetched records a peer segment fetch on the default recorder.
func BackfillFetched(peer, channel, quality string) {
	defaultRecorder.BackfillFetched(peer, channel, quality)
}

// BackfillHashMismatch records a peer hash mismatch on the default recorder.
func BackfillHashMismatch(peer, channel, quality string) {
	defaultRecorder.BackfillHashMismatch(peer, channel, quality)
}

// SetBackfillLag sets the backfill lag gauge on the default recorder.
func SetBackfillLag(peer, channel, quality string, seconds float64) {
	defaultRecorder.SetBackfillLag(peer, channel, quality, seconds)
}

// ObserveClaimAttempt records a claim attempt on the default recorder.
func ObserveClaimAttempt(location string, won bool) {
	defaultRecorder.ObserveClaimAttempt(location, won)
}

// ObserveCut records a completed cut on the default recorder.
func ObserveCut(cutType string, duration time.Duration) {
	defaultRecorder.ObserveCut(cutType, duration)
}

// ObserveTranscodePoll records a transcode poll outcome on the default recorder.
func ObserveTranscodePoll(outcome string) {
	defaultRecorder.ObserveTranscodePoll(outcome)
}

// CoverageRebuilt increments the coverage rebuild counter on the default recorder.
func CoverageRebuilt() {
	defaultRecorder.CoverageRebuilt()
}

// CutterActive adjusts the active-cutter gauge on the default recorder.
func CutterActive(delta int64) {
	defaultRecorder.CutterActive(delta)
}

// ObserveAmbiguousCommit records an ambiguous commit failure on the default recorder.
func ObserveAmbiguousCommit() {
	defaultRecorder.ObserveAmbiguousCommit()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
