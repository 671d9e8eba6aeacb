package http

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/teatrace/internal/repository"
)

const defaultReportWindow = 24 * time.Hour

// eventCountsHandler reports archived ledger events per event name since a
// point in time. since accepts RFC3339 or a duration like "6h".
func eventCountsHandler(archive repository.ArchiveRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if archive == nil {
			return c.JSON(http.StatusNotImplemented, map[string]string{"error": "event archive disabled"})
		}

		since := time.Now().UTC().Add(-defaultReportWindow)
		if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				since = t
			} else if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				since = time.Now().UTC().Add(-d)
			} else {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
			}
		}

		counts, err := archive.CountByEvent(c.Request().Context(), since)
		if err != nil {
			c.Logger().Errorf("clickhouse count failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		var total uint64
		for _, n := range counts {
			total += n
		}
		return c.JSON(http.StatusOK, map[string]any{
			"since":   since,
			"total":   total,
			"results": counts,
		})
	}
}
