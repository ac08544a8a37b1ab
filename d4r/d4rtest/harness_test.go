package d4rtest

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRingWithoutD4RDeadlocks pins the fixture itself: a cycle of
// capacity-1 queues with D4R disabled must not make it past its first
// iteration, since every node's second write blocks on its successor
// forever.
func TestRingWithoutD4RDeadlocks(t *testing.T) {
	res, err := Run(Ring{NodeCount: 3, Capacity: 1, Iterations: 5, UseD4R: false}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Completed, "a capacity-1 ring without D4R must deadlock, not complete")
}

// TestRingWithD4RCompletesAtVaryingCycleLengths is scenario S4, driven
// through the reusable ring fixture instead of one hard-coded 3-node
// case: D4R relief must let every node finish its iterations for
// several cycle lengths, since growing the one blocked queue in each
// detected cycle is enough to break it regardless of how many nodes
// the cycle spans.
func TestRingWithD4RCompletesAtVaryingCycleLengths(t *testing.T) {
	for _, n := range []int{3, 4, 7} {
		res, err := Run(Ring{NodeCount: n, Capacity: 1, Iterations: 20, UseD4R: true}, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Completed, "ring of %d nodes did not complete within the deadline with D4R enabled", n)
		for i, nerr := range res.NodeErrs {
			assert.NoError(t, nerr, "node %d returned an error", i)
		}
	}
}
