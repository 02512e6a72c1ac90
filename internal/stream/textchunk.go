package stream

import "time"

// MinChunkInterval is the minimum delay honored between consecutive delta
// events emitted by Chunks, per the subscriber-friendly cadence in the event
// protocol.
const MinChunkInterval = 20 * time.Millisecond

// ChunkSize is the default delta fragment size, in runes, used by Chunks.
const ChunkSize = 40

// Chunks splits text into started/delta.../done events for the given
// EventType family. started and done use the bare family type (e.g.
// "agent.run.summary.started"); delta events use the family's ".delta"
// member. emit is called once per event, in order; callers composing an
// stream.Seq should forward each call to their yield function and stop on
// the first false return.
func Chunks(family string, runID, fullText string, emit func(Event) bool) {
	if !emit(New(EventType(family+".started"), runID, "", nil)) {
		return
	}
	runes := []rune(fullText)
	for i := 0; i < len(runes); i += ChunkSize {
		end := i + ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[i:end])
		if !emit(New(EventType(family+".delta"), runID, "", map[string]any{"text": chunk})) {
			return
		}
		if end < len(runes) {
			time.Sleep(MinChunkInterval)
		}
	}
	emit(New(EventType(family+".done"), runID, "", map[string]any{"text": fullText}))
}
