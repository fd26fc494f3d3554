package liveness

import (
	"fmt"
	"math/rand/v2"

	"github.com/your-org/checkpoint/internal/models"
)

// Instruction returns the prompt shown to the subject.
func Instruction(c models.ChallengeType) string {
	switch c {
	case models.ChallengeBlink:
		return "Blink twice slowly"
	case models.ChallengeTurnLeft:
		return "Turn your head to your left"
	case models.ChallengeTurnRight:
		return "Turn your head to your right"
	}
	return ""
}

// Select draws uniformly from the congruent members of allowed.
func Select(rng *rand.Rand, allowed []models.ChallengeType) (models.ChallengeType, error) {
	pool := make([]models.ChallengeType, 0, len(allowed))
	for _, c := range allowed {
		if c.Congruent() {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return models.ChallengeNone, models.Validation(fmt.Sprintf("no usable liveness challenge in %v", allowed))
	}
	return pool[rng.IntN(len(pool))], nil
}
