package report

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

// Names lists the reports Build understands.
var Names = []string{"summary", "by-category", "top-categories", "by-period", "top-merchants", "by-track", "cashflow", "meta", "transactions"}

// Build runs the named report over already filtered records. Parameters come
// from q: level, limit, granularity, search, page and per_page. Unknown
// names wrap domain.ErrNotFound; bad parameters wrap domain.ErrValidation.
func Build(name string, records []*domain.LedgerRecord, tree *taxonomy.Tree, q url.Values) (any, error) {
	switch name {
	case "summary":
		return Summarize(records), nil
	case "by-category":
		level, err := parseLevel(q.Get("level"))
		if err != nil {
			return nil, err
		}
		return ByCategory(records, level), nil
	case "top-categories":
		level, err := parseLevel(q.Get("level"))
		if err != nil {
			return nil, err
		}
		limit, err := parseCount("limit", q.Get("limit"), DefaultCategoryLimit)
		if err != nil {
			return nil, err
		}
		return TopCategories(records, level, limit), nil
	case "by-period":
		g := Granularity(q.Get("granularity"))
		switch g {
		case "":
			g = GranularityMonth
		case GranularityYear, GranularityMonth, GranularityWeek:
		default:
			return nil, fmt.Errorf("invalid granularity %q: %w", g, domain.ErrValidation)
		}
		return ByPeriod(records, g), nil
	case "top-merchants":
		limit, err := parseCount("limit", q.Get("limit"), DefaultMerchantLimit)
		if err != nil {
			return nil, err
		}
		return TopMerchants(records, limit), nil
	case "by-track":
		return ByTrack(records), nil
	case "cashflow":
		return CashflowSummary(records), nil
	case "meta":
		return BuildMeta(records, tree), nil
	case "transactions":
		page, err := parseCount("page", q.Get("page"), 1)
		if err != nil {
			return nil, err
		}
		perPage, err := parseCount("per_page", q.Get("per_page"), DefaultPerPage)
		if err != nil {
			return nil, err
		}
		return Transactions(records, Query{Search: q.Get("search"), Page: page, PerPage: perPage}), nil
	default:
		return nil, fmt.Errorf("report %q: %w", name, domain.ErrNotFound)
	}
}

func parseLevel(v string) (Level, error) {
	switch Level(v) {
	case "":
		return LevelL1, nil
	case LevelL1, LevelL2:
		return Level(v), nil
	default:
		return "", fmt.Errorf("invalid level %q: %w", v, domain.ErrValidation)
	}
}

func parseCount(name, v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, domain.ErrValidation)
	}
	return n, nil
}
