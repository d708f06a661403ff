package gate

// FeatureCount is the fixed width of the persistence feature vector. Stored
// reward samples with a different width are skipped during training.
const FeatureCount = 7

// Features describes one candidate insight to the persistence scorer. The
// vector layout is frozen: stored reward samples from past feedback must stay
// comparable with features extracted today.
type Features struct {
	InitialScore          float64
	PromoterActivity      bool
	FundamentalConfluence bool
	HistoricalMentions    int
	SignalPriority        int
	EvidenceCount         int
	AnalysisLength        int
}

// Vector flattens the features in their frozen order. Analysis length is
// scaled down so it stays in the same rough magnitude as the other terms.
func (f Features) Vector() []float64 {
	return []float64{
		f.InitialScore,
		boolFeature(f.PromoterActivity),
		boolFeature(f.FundamentalConfluence),
		float64(f.HistoricalMentions),
		float64(f.SignalPriority),
		float64(f.EvidenceCount),
		float64(f.AnalysisLength) / 1000.0,
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
