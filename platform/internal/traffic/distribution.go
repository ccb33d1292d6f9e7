package traffic

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

// Distribution maps predictor ids to integer traffic percentages.
type Distribution map[primitive.ObjectID]int

// Sum returns the total percentage of the distribution.
func (d Distribution) Sum() int {
	total := 0
	for _, v := range d {
		total += v
	}
	return total
}

func (d Distribution) clone() Distribution {
	out := make(Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Redistribute computes the distribution that results from moving the
// target predictor to targetValue, spreading the difference across the
// other predictors proportionally to their current share. The returned
// distribution keeps the sum exact: rounding residue lands on the
// contributor with the largest pre-adjustment value (ties broken by the
// smaller predictor id).
func Redistribute(current Distribution, targetID primitive.ObjectID, targetValue int) (Distribution, error) {
	if targetValue < 0 || targetValue > 100 {
		return nil, fmt.Errorf("%w: %d not in [0, 100]", models.ErrInvalidTraffic, targetValue)
	}
	currentValue, ok := current[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in current distribution", models.ErrUnknownPredictor, targetID.Hex())
	}

	delta := targetValue - currentValue
	if delta == 0 {
		return current.clone(), nil
	}

	others := make(Distribution, len(current)-1)
	for id, v := range current {
		if id != targetID {
			others[id] = v
		}
	}
	if len(others) == 0 {
		return Distribution{targetID: targetValue}, nil
	}

	spreadResult, contributed := spread(others, -delta)
	out := spreadResult
	out[targetID] = targetValue

	if contributed {
		reconcile(out, others)
	}
	return out, nil
}

// spread distributes amount across the entries proportionally to their
// current value. A negative amount shrinks contributors (the target is
// gaining traffic); a positive amount grows them. Entries already at zero
// never contribute. The second return reports whether anything contributed.
func spread(others Distribution, amount int) (Distribution, bool) {
	total := 0
	for _, v := range others {
		if v > 0 {
			total += v
		}
	}
	if total == 0 {
		return others.clone(), false
	}

	abs := amount
	if abs < 0 {
		abs = -abs
	}

	out := make(Distribution, len(others))
	for id, v := range others {
		if v <= 0 {
			out[id] = v
			continue
		}
		adjustment := int(math.RoundToEven(float64(abs*v) / float64(total)))
		if amount < 0 {
			next := v - adjustment
			if next < 0 {
				next = 0
			}
			out[id] = next
		} else {
			out[id] = v + adjustment
		}
	}
	return out, true
}

// reconcile absorbs rounding residue so the distribution sums to exactly
// 100, adjusting the contributor with the largest pre-adjustment value.
func reconcile(out, preAdjustment Distribution) {
	residue := 100 - out.Sum()
	if residue == 0 {
		return
	}

	var chosen primitive.ObjectID
	best := -1
	for id, v := range preAdjustment {
		if v <= 0 {
			continue
		}
		if v > best || (v == best && id.Hex() < chosen.Hex()) {
			best = v
			chosen = id
		}
	}
	if best < 0 {
		return
	}

	next := out[chosen] + residue
	if next < 0 {
		next = 0
	}
	out[chosen] = next
}

// Pick selects one active predictor by weighted random sampling over
// traffic percentages. The draw comes from the crypto RNG so selection is
// not reproducible across runs.
func Pick(active []models.Predictor) (models.Predictor, error) {
	if len(active) == 0 {
		return models.Predictor{}, models.ErrNoActivePredictor
	}

	total := 0
	for _, p := range active {
		if p.TrafficPercentage > 0 {
			total += p.TrafficPercentage
		}
	}
	if total <= 0 {
		return models.Predictor{}, models.ErrNoActivePredictor
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		return models.Predictor{}, fmt.Errorf("draw random weight: %w", err)
	}
	draw := int(n.Int64())

	cumulative := 0
	for _, p := range active {
		if p.TrafficPercentage <= 0 {
			continue
		}
		cumulative += p.TrafficPercentage
		if draw < cumulative {
			return p, nil
		}
	}
	return active[len(active)-1], nil
}

// sortByVersion orders predictors by ascending version for stable response
// payloads.
func sortByVersion(predictors []models.Predictor) {
	sort.Slice(predictors, func(i, j int) bool {
		return predictors[i].PredictorVersion < predictors[j].PredictorVersion
	})
}
