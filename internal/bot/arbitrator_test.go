package bot

import (
	"sync"
	"testing"

	"dhan-trading-bot/internal/strategy"
)

func TestSelectPrefersStrongerRuleOverPrice(t *testing.T) {
	a := NewArbitrator()
	a.Register("X")
	a.Register("Y")

	winner := a.Select([]strategy.Trigger{
		{Symbol: "X", Rule: strategy.RuleGapEntry, Entry: 105},
		{Symbol: "Y", Rule: strategy.RuleBreakoutEntry, Entry: 102},
	})
	if winner == nil || winner.Symbol != "X" {
		t.Fatalf("winner = %+v, want X despite its higher entry", winner)
	}
}

func TestSelectLowerEntryAmongEqualRules(t *testing.T) {
	a := NewArbitrator()
	a.Register("X")
	a.Register("Y")

	winner := a.Select([]strategy.Trigger{
		{Symbol: "X", Rule: strategy.RuleRetestEntry, Entry: 105},
		{Symbol: "Y", Rule: strategy.RuleRetestEntry, Entry: 102},
	})
	if winner == nil || winner.Symbol != "Y" {
		t.Fatalf("winner = %+v, want the cheaper Y", winner)
	}
}

func TestSelectRegistrationOrderBreaksFullTies(t *testing.T) {
	a := NewArbitrator()
	a.Register("X")
	a.Register("Y")

	winner := a.Select([]strategy.Trigger{
		{Symbol: "Y", Rule: strategy.RuleGapEntry, Entry: 105},
		{Symbol: "X", Rule: strategy.RuleGapEntry, Entry: 105},
	})
	if winner == nil || winner.Symbol != "X" {
		t.Fatalf("winner = %+v, want first-registered X", winner)
	}
}

func TestSelectEmpty(t *testing.T) {
	if w := NewArbitrator().Select(nil); w != nil {
		t.Fatalf("winner = %+v for no candidates, want nil", w)
	}
}

func TestTradeSlotIsExclusiveUnderRace(t *testing.T) {
	a := NewArbitrator()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if a.TryAcquire() {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("%d goroutines acquired the slot, want exactly 1", count)
	}

	a.Release()
	if !a.TryAcquire() {
		t.Fatal("slot not acquirable after release")
	}
}
