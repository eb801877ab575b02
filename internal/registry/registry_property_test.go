package registry_test

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
)

var observed = []calls.CallStatus{
	calls.CallStatusQueued,
	calls.CallStatusInitiated,
	calls.CallStatusRinging,
	calls.CallStatusInProgress,
	calls.CallStatusAnswered,
	calls.CallStatusCompleted,
	calls.CallStatusVoicemail,
	calls.CallStatusFailed,
	calls.CallStatusNoAnswer,
	calls.CallStatusBusy,
	calls.CallStatusCanceled,
}

// Property: for any sequence of observations, completed + failed + active
// equals total, and a terminal job never changes status again.
func TestRegistryCountsInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("counts partition the jobs and terminal is final", prop.ForAll(
		func(n int, targets []int, statuses []int) bool {
			r := registry.New()
			r.Open("b1")
			jobs := make([]calls.CallJob, n)
			for i := range jobs {
				id := "CA" + strconv.Itoa(i)
				jobs[i] = calls.CallJob{JobID: "job-" + id, BroadcastID: "b1", ProviderCallID: id}
			}
			if err := r.Create(jobs); err != nil {
				return false
			}

			final := map[string]calls.CallStatus{}
			steps := len(targets)
			if len(statuses) < steps {
				steps = len(statuses)
			}
			for i := 0; i < steps; i++ {
				id := "CA" + strconv.Itoa(targets[i]%n)
				st := observed[statuses[i]]
				r.ApplyRound("b1", []registry.StatusUpdate{{ProviderCallID: id, Status: st}})
				if _, done := final[id]; !done && st.Terminal() {
					final[id] = st
				}

				c := r.Counts("b1")
				if c.Total != n || c.Completed+c.Failed+c.Active != c.Total {
					return false
				}
				if c.Active != len(r.ActiveIDs("b1")) {
					return false
				}
			}
			for id, st := range final {
				j, ok := r.Get(id)
				if !ok || j.Status != st {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.IntRange(0, len(observed)-1)),
	))

	properties.TestingRun(t)
}
