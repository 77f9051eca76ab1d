package severity

import "testing"

// S1 from spec: event {service: "payment-service", severity: 4} with
// currentRate=50, baselineRate=10. base=75, serviceMul=2.0, ratio 5 =>
// freqMul=2.0, finalScore=min(300,100)=100.
func TestScoreEventS1(t *testing.T) {
	services := CriticalServices{"payment-service": 2.0}
	spike := SpikeContext{CurrentCount: 50, Mean: 10}

	score := ScoreEvent(4, "payment-service", services, spike)

	if score.Base != 75 {
		t.Errorf("base = %v, want 75", score.Base)
	}
	if score.ServiceMul != 2.0 {
		t.Errorf("serviceMul = %v, want 2.0", score.ServiceMul)
	}
	if score.FreqMul != 2.0 || score.FreqLevel != FreqCritical {
		t.Errorf("freqMul/level = %v/%v, want 2.0/critical", score.FreqMul, score.FreqLevel)
	}
	if score.Final != 100 {
		t.Errorf("final = %v, want 100", score.Final)
	}
}

func TestCriticalServicesCaseInsensitive(t *testing.T) {
	services := CriticalServices{"payment-service": 2.0}
	if got := services.Lookup("Payment-Service"); got != 2.0 {
		t.Errorf("lookup = %v, want 2.0", got)
	}
	if got := services.Lookup("unknown"); got != 1.0 {
		t.Errorf("lookup unknown = %v, want 1.0", got)
	}
}

func TestFrequencyMultiplierMeanZero(t *testing.T) {
	mul, level := frequencyMultiplier(SpikeContext{CurrentCount: 5, Mean: 0})
	if mul != 1.3 || level != FreqElevated {
		t.Errorf("mul/level = %v/%v, want 1.3/elevated", mul, level)
	}
}

func TestFrequencyMultiplierNoData(t *testing.T) {
	mul, level := frequencyMultiplier(SpikeContext{CurrentCount: 0, Mean: 0})
	if mul != 1.0 || level != FreqNormal {
		t.Errorf("mul/level = %v/%v, want 1.0/normal", mul, level)
	}
}

func TestScoreIncidentEmpty(t *testing.T) {
	got := ScoreIncident(nil)
	if got.Composite != 0 || got.Level != 1 || got.Classification != ClassLow {
		t.Errorf("got = %+v", got)
	}
}

func TestScoreIncidentComposite(t *testing.T) {
	// maxScore=100, avgScore=(100+60+80)/3=80, n=3
	// countFactor = min(1+0.2*log10(3), 1.5) = 1+0.2*0.4771 = 1.0954
	// composite = min(round((0.6*100+0.4*80)*1.0954), 100) = min(round(92*1.0954),100) = min(101,100) = 100
	got := ScoreIncident([]int{100, 60, 80})
	if got.Composite != 100 {
		t.Errorf("composite = %v, want 100", got.Composite)
	}
	if got.Level != 5 || got.Classification != ClassCritical {
		t.Errorf("level/classification = %v/%v", got.Level, got.Classification)
	}
}

func TestScoreIncidentSingleEvent(t *testing.T) {
	got := ScoreIncident([]int{40})
	// countFactor for n=1 is 1.0 exactly (log10(1)=0)
	if got.Composite != 40 {
		t.Errorf("composite = %v, want 40", got.Composite)
	}
	if got.Level != 2 || got.Classification != ClassLow {
		t.Errorf("level/classification = %v/%v", got.Level, got.Classification)
	}
}
