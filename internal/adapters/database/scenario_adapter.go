package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/domain/repositories"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/postgres"
	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

// ScenarioAdapter implements ScenarioRepository against a pgvector-indexed
// Postgres store.
type ScenarioAdapter struct {
	client *postgres.Client
	db     *goqu.Database
	sqlxDB *sqlx.DB
}

// NewScenarioAdapter creates a new scenario adapter
func NewScenarioAdapter(client *postgres.Client) repositories.ScenarioRepository {
	return &ScenarioAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
		sqlxDB: sqlx.NewDb(client.DB(), "postgres"),
	}
}

type scenarioRow struct {
	ID          string         `db:"id"`
	Description string         `db:"description"`
	Panel       sql.NullString `db:"panel"`
	Topic       sql.NullString `db:"topic"`
	RiskLevel   sql.NullString `db:"risk_level"`
	Population  sql.NullString `db:"population"`
	Tags        pq.StringArray `db:"tags"`
	CreatedAt   time.Time      `db:"created_at"`
	Similarity  float64        `db:"similarity"`
}

// VectorLiteral renders a vector in the pgvector text format.
func VectorLiteral(vector []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// SearchScenarios returns the topK nearest scenarios by cosine similarity.
// The query runs on a pooled connection under the configured timeout; pool
// exhaustion falls back to the client's single-connection path.
func (a *ScenarioAdapter) SearchScenarios(ctx context.Context, vector []float32, topK int) ([]entities.ScenarioHit, error) {
	if len(vector) == 0 {
		return nil, apperrors.NewValidationError("search vector is empty")
	}
	if topK <= 0 {
		topK = 5
	}

	lit := VectorLiteral(vector)
	query, args, err := a.db.From("clinical_scenarios").
		Select(
			"id", "description", "panel", "topic", "risk_level", "population",
			"tags", "created_at",
			goqu.L("1 - (embedding <=> ?::vector)", lit).As("similarity"),
		).
		Order(goqu.L("embedding <=> ?::vector", lit).Asc()).
		Limit(uint(topK)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build scenario search query", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.client.QueryTimeout())
	defer cancel()

	var hits []entities.ScenarioHit
	err = a.client.WithConn(queryCtx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(queryCtx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		rank := 0
		for rows.Next() {
			var row scenarioRow
			if err := rows.Scan(
				&row.ID, &row.Description, &row.Panel, &row.Topic,
				&row.RiskLevel, &row.Population, &row.Tags, &row.CreatedAt,
				&row.Similarity,
			); err != nil {
				return err
			}
			hits = append(hits, entities.ScenarioHit{
				Scenario: entities.ClinicalScenario{
					ID:          row.ID,
					Description: row.Description,
					Panel:       row.Panel.String,
					Topic:       row.Topic.String,
					RiskLevel:   row.RiskLevel.String,
					Population:  row.Population.String,
					Tags:        row.Tags,
					CreatedAt:   row.CreatedAt,
				},
				Similarity: row.Similarity,
				Rank:       rank,
			})
			rank++
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.NewRetrievalUnavailableError("scenario search failed", err)
	}

	return hits, nil
}

type recommendationRow struct {
	ID            string         `db:"id"`
	ScenarioID    string         `db:"scenario_id"`
	ProcedureName string         `db:"procedure_name"`
	Category      sql.NullString `db:"category"`
	Rating        int            `db:"rating"`
	Rationale     sql.NullString `db:"rationale"`
	CreatedAt     time.Time      `db:"created_at"`
}

// FetchRecommendations returns up to perScenario recommendations for each
// given scenario, best rating first.
func (a *ScenarioAdapter) FetchRecommendations(ctx context.Context, scenarioIDs []string, perScenario int) (map[string][]entities.ProcedureRecommendation, error) {
	if len(scenarioIDs) == 0 {
		return map[string][]entities.ProcedureRecommendation{}, nil
	}
	if perScenario <= 0 {
		perScenario = 10
	}

	query, args, err := sqlx.In(
		`SELECT id, scenario_id, procedure_name, category, rating, rationale, created_at
		 FROM procedure_recommendations
		 WHERE scenario_id IN (?)
		 ORDER BY scenario_id, rating DESC, id`,
		scenarioIDs,
	)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build recommendation query", err)
	}
	query = a.sqlxDB.Rebind(query)

	queryCtx, cancel := context.WithTimeout(ctx, a.client.QueryTimeout())
	defer cancel()

	var rows []recommendationRow
	if err := a.sqlxDB.SelectContext(queryCtx, &rows, query, args...); err != nil {
		return nil, apperrors.NewRetrievalUnavailableError("recommendation fetch failed", err)
	}

	result := make(map[string][]entities.ProcedureRecommendation, len(scenarioIDs))
	for _, row := range rows {
		if len(result[row.ScenarioID]) >= perScenario {
			continue
		}
		rec := entities.ProcedureRecommendation{
			ID:            row.ID,
			ScenarioID:    row.ScenarioID,
			ProcedureName: row.ProcedureName,
			Category:      row.Category.String,
			Rating:        row.Rating,
			Rationale:     row.Rationale.String,
			CreatedAt:     row.CreatedAt,
		}
		if rec.Category == "" {
			rec.Category = entities.CategoryForRating(rec.Rating)
		}
		result[row.ScenarioID] = append(result[row.ScenarioID], rec)
	}

	return result, nil
}
