package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"vyapaar/internal/atomicstore"
)

// DefaultRiskThreshold is the risk score above which a transaction is
// flagged anomalous.
const DefaultRiskThreshold = 0.75

const (
	minTrainingSamples = 10
	nEstimators        = 100
	randomSeed         = 42
)

// Score is the result of scoring one transaction.
type Score struct {
	RiskScore       float64            `json:"risk_score"`
	IsAnomalous     bool               `json:"is_anomalous"`
	Features        map[string]float64 `json:"features"`
	ModelTrained    bool               `json:"model_trained"`
	TrainingSamples int                `json:"training_samples"`
	Detail          string             `json:"detail"`
}

type historyEntry struct {
	AmountLog  float64 `json:"amount_log"`
	HourOfDay  float64 `json:"hour_of_day"`
	DayOfWeek  float64 `json:"day_of_week"`
	AmountPaise int64  `json:"amount_paise"`
	Timestamp  string  `json:"timestamp"`
}

// Scorer scores payouts for anomalous patterns, learning per-agent
// transaction history from the atomic store.
type Scorer struct {
	store         atomicstore.Store
	riskThreshold float64
}

// New constructs a Scorer. riskThreshold <= 0 uses DefaultRiskThreshold.
func New(store atomicstore.Store, riskThreshold float64) *Scorer {
	if riskThreshold <= 0 {
		riskThreshold = DefaultRiskThreshold
	}
	return &Scorer{store: store, riskThreshold: riskThreshold}
}

// ScoreTransaction scores amount (in paise) for agentID at ts, updating the
// agent's recorded history as a side effect — exactly as the original
// scorer both trains on and extends the same history.
func (s *Scorer) ScoreTransaction(ctx context.Context, agentID string, amount int64, ts time.Time) Score {
	features := extractFeatures(amount, ts)

	raw, err := s.store.TransactionHistory(ctx, agentID)
	if err != nil {
		slog.Warn("anomaly history read failed, using neutral score", "agent_id", agentID, "error", err)
		return Score{RiskScore: 0.5, Features: features, Detail: "history unavailable: " + err.Error()}
	}

	history := decodeHistory(raw)

	if len(history) < minTrainingSamples {
		s.record(ctx, agentID, amount, features, ts)
		return Score{
			RiskScore:       0.5,
			IsAnomalous:     false,
			Features:        features,
			ModelTrained:    false,
			TrainingSamples: len(history),
			Detail:          fmt.Sprintf("insufficient data (%d/%d samples), using neutral score", len(history), minTrainingSamples),
		}
	}

	meanAmt, stdAmt := meanStd(amountLogs(history))
	features["amount_zscore"] = (features["amount_log"] - meanAmt) / math.Max(stdAmt, 0.001)

	s.record(ctx, agentID, amount, features, ts)

	matrix := buildFeatureMatrix(history, meanAmt, stdAmt)
	f := fitForest(matrix, nEstimators, randomSeed)

	vector := []float64{features["amount_log"], features["hour_of_day"], features["day_of_week"], features["amount_zscore"]}
	risk := f.score(vector)
	isAnomalous := risk >= s.riskThreshold

	detail := "transaction appears normal"
	if isAnomalous {
		var reasons []string
		if math.Abs(features["amount_zscore"]) > 2.0 {
			reasons = append(reasons, fmt.Sprintf("unusual amount (z=%.1f)", features["amount_zscore"]))
		}
		if features["hour_of_day"] < 6 || features["hour_of_day"] > 22 {
			reasons = append(reasons, fmt.Sprintf("unusual hour (%d:00)", int(features["hour_of_day"])))
		}
		if len(reasons) == 0 {
			detail = "anomaly detected: multi-feature deviation"
		} else {
			detail = "anomaly detected: " + joinComma(reasons)
		}
	}

	return Score{
		RiskScore:       risk,
		IsAnomalous:     isAnomalous,
		Features:        features,
		ModelTrained:    true,
		TrainingSamples: len(matrix),
		Detail:          detail,
	}
}

// RiskProfile is the history-statistics summary backing get_agent_risk_profile.
type RiskProfile struct {
	AgentID          string  `json:"agent_id"`
	TransactionCount int     `json:"transaction_count"`
	ModelTrained     bool    `json:"model_trained"`
	MeanAmountLog    float64 `json:"mean_amount_log"`
	StdAmountLog     float64 `json:"std_amount_log"`
	LastSeenHour     float64 `json:"last_seen_hour,omitempty"`
	LastSeenAt       string  `json:"last_seen_at,omitempty"`
}

// RiskProfile reports an agent's transaction history statistics, read-only
// (unlike ScoreTransaction, which also extends the history as a side
// effect).
func (s *Scorer) RiskProfile(ctx context.Context, agentID string) (RiskProfile, error) {
	raw, err := s.store.TransactionHistory(ctx, agentID)
	if err != nil {
		return RiskProfile{}, fmt.Errorf("read transaction history: %w", err)
	}

	history := decodeHistory(raw)
	profile := RiskProfile{
		AgentID:          agentID,
		TransactionCount: len(history),
		ModelTrained:     len(history) >= minTrainingSamples,
	}
	if len(history) == 0 {
		return profile, nil
	}

	profile.MeanAmountLog, profile.StdAmountLog = meanStd(amountLogs(history))
	last := history[0]
	profile.LastSeenHour = last.HourOfDay
	profile.LastSeenAt = last.Timestamp
	return profile, nil
}

func (s *Scorer) record(ctx context.Context, agentID string, amount int64, features map[string]float64, ts time.Time) {
	entry := historyEntry{
		AmountLog:   features["amount_log"],
		HourOfDay:   features["hour_of_day"],
		DayOfWeek:   features["day_of_week"],
		AmountPaise: amount,
		Timestamp:   ts.Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.store.PushTransactionHistory(ctx, agentID, string(b)); err != nil {
		slog.Warn("failed to record transaction history", "agent_id", agentID, "error", err)
	}
}

func extractFeatures(amount int64, ts time.Time) map[string]float64 {
	a := amount
	if a < 1 {
		a = 1
	}
	return map[string]float64{
		"amount_log":    math.Log10(float64(a)),
		"hour_of_day":   float64(ts.Hour()),
		"day_of_week":   float64((int(ts.Weekday()) + 6) % 7), // Monday=0, matching Python's weekday()
		"amount_zscore": 0.0,
	}
}

func decodeHistory(raw []string) []historyEntry {
	out := make([]historyEntry, 0, len(raw))
	for _, r := range raw {
		var e historyEntry
		if json.Unmarshal([]byte(r), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func amountLogs(history []historyEntry) []float64 {
	out := make([]float64, len(history))
	for i, h := range history {
		out[i] = h.AmountLog
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 1
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	if len(values) <= 1 {
		return mean, 1.0
	}
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func buildFeatureMatrix(history []historyEntry, meanAmt, stdAmt float64) [][]float64 {
	matrix := make([][]float64, len(history))
	for i, h := range history {
		z := (h.AmountLog - meanAmt) / math.Max(stdAmt, 0.001)
		matrix[i] = []float64{h.AmountLog, h.HourOfDay, h.DayOfWeek, z}
	}
	return matrix
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
