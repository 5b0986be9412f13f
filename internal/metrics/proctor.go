package metrics

// Client holds the proctoring client's metrics.
type Client struct {
	registry *Registry

	ClipsEmitted     *Counter
	ClipsPartial     *Counter
	ClipsUploaded    *Counter
	ClipUploadFailed *Counter
	ActivityPosted   *Counter
	ActivityFailed   *Counter
	ReportsDropped   *Counter
	EncoderStarts    *Counter
	DegradedStarts   *Counter
	StreamLosses     *Counter
	Submissions      *Counter

	RecordingState   *Gauge
	RemainingSeconds *Gauge

	ClipBytes      *Histogram
	UploadDuration *Histogram
}

// NewClient registers the client metrics on registry, or on Default when
// registry is nil.
func NewClient(registry *Registry) *Client {
	if registry == nil {
		registry = Default()
	}
	return &Client{
		registry: registry,

		ClipsEmitted:     registry.Counter("clips_emitted_total", "Violation clips assembled", nil),
		ClipsPartial:     registry.Counter("clips_partial_total", "Clips flushed before the post window filled", nil),
		ClipsUploaded:    registry.Counter("clips_uploaded_total", "Violation clips uploaded", nil),
		ClipUploadFailed: registry.Counter("clip_upload_failures_total", "Violation clip uploads that failed", nil),
		ActivityPosted:   registry.Counter("activity_posted_total", "Activity records posted", nil),
		ActivityFailed:   registry.Counter("activity_failures_total", "Activity records that failed to post", nil),
		ReportsDropped:   registry.Counter("reports_dropped_total", "Reports dropped for lack of a session token", nil),
		EncoderStarts:    registry.Counter("encoder_starts_total", "Encoder runs started", nil),
		DegradedStarts:   registry.Counter("degraded_starts_total", "Recordings that fell back to no recording", nil),
		StreamLosses:     registry.Counter("stream_losses_total", "Screen share streams that ended", nil),
		Submissions:      registry.Counter("submissions_total", "Attempt completions", nil),

		RecordingState:   registry.Gauge("recording_state", "Recorder state (0 idle, 1 recording, 2 degraded, 3 blocked, 4 stopped)", nil),
		RemainingSeconds: registry.Gauge("remaining_seconds", "Seconds left on the attempt timer", nil),

		ClipBytes:      registry.Histogram("clip_bytes", "Size of assembled clips", nil, SizeBuckets),
		UploadDuration: registry.Histogram("clip_upload_seconds", "Clip upload latency", nil, DurationBuckets),
	}
}

// Violation increments the per-type violation counter.
func (c *Client) Violation(kind string) {
	c.registry.Counter("violations_total", "Violations raised", Labels{"type": kind}).Inc()
}

// Submission counts a completion by trigger.
func (c *Client) Submission(forced bool) {
	trigger := "manual"
	if forced {
		trigger = "timer"
	}
	c.registry.Counter("submissions_by_trigger_total", "Attempt completions by trigger", Labels{"trigger": trigger}).Inc()
	c.Submissions.Inc()
}

// Registry returns the registry the metrics live on.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Server holds the mock backend's metrics.
type Server struct {
	registry *Registry
}

// NewServer returns request metrics bound to registry.
func NewServer(registry *Registry) *Server {
	if registry == nil {
		registry = Default()
	}
	return &Server{registry: registry}
}

// Request records one handled request.
func (s *Server) Request(route string, status int) {
	s.registry.Counter("http_requests_total", "HTTP requests handled", Labels{
		"route":  route,
		"status": statusClass(status),
	}).Inc()
}

// ClipStored records a stored violation clip.
func (s *Server) ClipStored(kind string, size int) {
	s.registry.Counter("clips_stored_total", "Violation clips stored", Labels{"type": kind}).Inc()
	s.registry.Histogram("stored_clip_bytes", "Size of stored clips", nil, SizeBuckets).Observe(float64(size))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
