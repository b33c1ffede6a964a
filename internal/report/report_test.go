package report

import (
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

func rec(id, user, platform string, ts time.Time, track domain.Track, amount, effective, l1, l2, merchant string) *domain.LedgerRecord {
	r := &domain.LedgerRecord{
		Platform:        platform,
		UserID:          user,
		TransactionID:   id,
		Timestamp:       ts,
		Direction:       domain.DirectionOutflow,
		Amount:          decimal.RequireFromString(amount),
		EffectiveAmount: decimal.RequireFromString(effective),
		Counterparty:    merchant,
		Status:          domain.StatusSuccess,
		CategoryL1:      l1,
		CategoryL2:      l2,
	}
	r.SetTrack(track, "test")
	return r
}

func fixture() []*domain.LedgerRecord {
	d := func(m time.Month, day int) time.Time { return time.Date(2024, m, day, 12, 0, 0, 0, time.UTC) }
	cash := rec("c1", "u1", "wechat", d(3, 5), domain.TrackCashflow, "200", "200", "", "", "张三")
	cash.PlatformCategory = "转账"
	cash2 := rec("c2", "u1", "alipay", d(3, 6), domain.TrackCashflow, "80", "80", "", "", "花呗")
	cash2.PlatformTxType = "还款"
	return []*domain.LedgerRecord{
		rec("a1", "u1", "alipay", d(1, 1), domain.TrackConsumption, "50", "30", "餐饮美食", "外卖配送", "Meituan Waimai"),
		rec("a2", "u1", "alipay", d(1, 8), domain.TrackConsumption, "20", "20", "餐饮美食", "咖啡饮品", "Starbucks"),
		rec("a3", "u2", "wechat", d(2, 14), domain.TrackConsumption, "100", "100", "服饰装扮", "服装", "Uniqlo"),
		rec("a4", "u1", "jd", time.Date(2023, 12, 30, 9, 0, 0, 0, time.UTC), domain.TrackConsumption, "15", "15", "餐饮美食", "外卖配送", "Meituan Waimai"),
		rec("r1", "u1", "alipay", d(1, 2), domain.TrackRefund, "20", "0", "", "", "Meituan Waimai"),
		cash,
		cash2,
	}
}

func TestSummarize(t *testing.T) {
	records := fixture()
	records[0].AppliedRefunds = []domain.RefundApplication{{RefundID: "r1", Amount: decimal.NewFromInt(20), Tier: domain.MatchExact}}

	s := Summarize(records)
	assert.Equal(t, 7, s.TotalRecords)
	assert.Equal(t, 4, s.ConsumptionRecords)
	assert.Equal(t, 2, s.CashflowRecords)
	assert.Equal(t, 1, s.RefundRecords)
	assert.True(t, s.TotalSpend.Equal(decimal.NewFromInt(165)), "total spend %s", s.TotalSpend)
	assert.True(t, s.TotalRefunded.Equal(decimal.NewFromInt(20)))
	assert.True(t, s.CashflowOutflow.Equal(decimal.NewFromInt(280)))
	assert.Equal(t, map[string]int{"alipay": 4, "wechat": 2, "jd": 1}, s.Platforms)
}

func TestByCategory(t *testing.T) {
	l1 := ByCategory(fixture(), LevelL1)
	require.Len(t, l1, 2)
	assert.Equal(t, "服饰装扮", l1[0].Key)
	assert.Equal(t, "餐饮美食", l1[1].Key)
	assert.True(t, l1[1].Total.Equal(decimal.NewFromInt(65)))
	assert.Equal(t, 3, l1[1].Count)

	l2 := ByCategory(fixture(), LevelL2)
	require.Len(t, l2, 3)
	assert.Equal(t, "服饰装扮/服装", l2[0].Key)
	assert.Equal(t, "餐饮美食/外卖配送", l2[1].Key)
	assert.Equal(t, "外卖配送", l2[1].CategoryL2)
	assert.True(t, l2[1].Average.Equal(decimal.RequireFromString("22.5")))
}

func TestPeriodKey(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		g    Granularity
		want string
	}{
		{"year", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), GranularityYear, "2024"},
		{"month", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), GranularityMonth, "2024-05"},
		{"monday starts week one", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), GranularityWeek, "2024-W01"},
		{"sunday closes week one", time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), GranularityWeek, "2024-W01"},
		{"before first monday", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), GranularityWeek, "2023-W00"},
		{"first monday of 2023", time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), GranularityWeek, "2023-W01"},
		{"year end", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), GranularityWeek, "2024-W53"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PeriodKey(&domain.LedgerRecord{Timestamp: tt.ts}, tt.g)
			if got != tt.want {
				t.Errorf("PeriodKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestByPeriodSortedOldestFirst(t *testing.T) {
	got := ByPeriod(fixture(), GranularityMonth)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"2023-12", "2024-01", "2024-02"}, []string{got[0].Key, got[1].Key, got[2].Key})
	assert.True(t, got[1].Total.Equal(decimal.NewFromInt(50)))
}

func TestTopMerchants(t *testing.T) {
	got := TopMerchants(fixture(), 2)
	require.Len(t, got, 2)
	assert.Equal(t, "Uniqlo", got[0].Key)
	assert.Equal(t, "Meituan Waimai", got[1].Key)
	assert.True(t, got[1].Total.Equal(decimal.NewFromInt(45)))
}

func TestCashflowSummary(t *testing.T) {
	records := fixture()
	other := rec("c3", "u1", "wechat", time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC), domain.TrackCashflow, "5", "5", "", "", "")
	records = append(records, other)

	got := CashflowSummary(records)
	require.Len(t, got, 3)
	assert.Equal(t, "转账", got[0].Key)
	assert.Equal(t, "还款", got[1].Key)
	assert.Equal(t, "其他", got[2].Key)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
		want  []string
	}{
		{"user", url.Values{"user": {"u2"}}, []string{"a3"}},
		{"year", url.Values{"year": {"2023"}}, []string{"a4"}},
		{"date range inclusive", url.Values{"date_from": {"2024-01-01"}, "date_to": {"2024-01-08"}}, []string{"a1", "a2", "r1"}},
		{"platform and track", url.Values{"platform": {"alipay"}, "track": {"consumption"}}, []string{"a1", "a2"}},
		{"category l2", url.Values{"category": {"餐饮美食"}, "category_l2": {"外卖配送"}}, []string{"a1", "a4"}},
		{"exclude", url.Values{"track": {"consumption"}, "exclude_categories": {"餐饮美食, 交通出行"}}, []string{"a3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.query)
			require.NoError(t, err)
			var got []string
			for _, r := range f.Apply(fixture()) {
				got = append(got, r.TransactionID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilterRejectsBadInput(t *testing.T) {
	_, err := ParseFilter(url.Values{"year": {"twenty"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseFilter(url.Values{"date_from": {"yesterday"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransactions(t *testing.T) {
	page := Transactions(fixture(), Query{Search: "meituan", PerPage: 1})
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "r1", page.Records[0].TransactionID)

	page = Transactions(fixture(), Query{Search: "MEITUAN", Page: 3, PerPage: 1})
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a4", page.Records[0].TransactionID)

	page = Transactions(fixture(), Query{Page: 9})
	assert.Equal(t, 7, page.Total)
	assert.Empty(t, page.Records)
	assert.Equal(t, DefaultPerPage, page.PerPage)
}

func TestBuildMeta(t *testing.T) {
	m := BuildMeta(fixture(), taxonomy.NewTree(nil))
	assert.Equal(t, []string{"u1", "u2"}, m.Users)
	assert.Equal(t, []int{2024, 2023}, m.Years)
	assert.Equal(t, []string{"alipay", "jd", "wechat"}, m.Platforms)
	require.Len(t, m.Taxonomy, len(taxonomy.DefaultNodes))
	for _, u := range m.Taxonomy {
		if u.L1 == "餐饮美食" {
			assert.Equal(t, 3, u.Count)
		}
	}
}

func TestBuild(t *testing.T) {
	tree := taxonomy.NewTree(nil)

	tests := []struct {
		name    string
		report  string
		query   string
		wantErr error
	}{
		{name: "summary", report: "summary"},
		{name: "l2 categories", report: "by-category", query: "level=l2"},
		{name: "bad level", report: "top-categories", query: "level=l9", wantErr: domain.ErrValidation},
		{name: "weekly", report: "by-period", query: "granularity=week"},
		{name: "bad granularity", report: "by-period", query: "granularity=day", wantErr: domain.ErrValidation},
		{name: "bad limit", report: "top-merchants", query: "limit=-1", wantErr: domain.ErrValidation},
		{name: "transactions page", report: "transactions", query: "page=2&per_page=3"},
		{name: "unknown", report: "forecast", wantErr: domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			got, err := Build(tt.report, fixture(), tree, q)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}

	got, err := Build("transactions", fixture(), tree, url.Values{"page": {"2"}, "per_page": {"3"}})
	require.NoError(t, err)
	page := got.(Page)
	assert.Equal(t, 7, page.Total)
	assert.Len(t, page.Records, 3)
}
