package main

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/meridianhealth/procedure-advisor/internal/adapters/database"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/openai"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/postgres"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
)

type seedScenario struct {
	Description string
	Panel       string
	Topic       string
	RiskLevel   string
	Population  string
	Tags        []string
	Procedures  []seedProcedure
}

type seedProcedure struct {
	Name      string
	Category  string
	Rating    int
	Rationale string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pgClient.Close()

	aiClient, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Fatalf("Failed to create embedding client: %v", err)
	}
	defer aiClient.Close()

	ctx := context.Background()
	db := pgClient.DB()

	if os.Getenv("RESET_DB") == "true" {
		log.Println("RESET_DB=true detected, truncating tables before seeding")
		_, err := db.ExecContext(ctx, `
			TRUNCATE TABLE
				procedure_recommendations,
				clinical_scenarios
			RESTART IDENTITY CASCADE
		`)
		if err != nil {
			log.Fatalf("Failed to reset tables: %v", err)
		}
	}

	scenarios := []seedScenario{
		{
			Description: "Acute chest pain, suspected acute coronary syndrome, elevated troponin, adult patient",
			Panel:       "Cardiac",
			Topic:       "Acute Chest Pain",
			RiskLevel:   "high",
			Population:  "adult",
			Tags:        []string{"chest-pain", "acs", "troponin"},
			Procedures: []seedProcedure{
				{Name: "Coronary CT angiography", Category: "usually_appropriate", Rating: 9, Rationale: "First-line noninvasive coronary assessment for intermediate-risk ACS"},
				{Name: "Resting transthoracic echocardiography", Category: "usually_appropriate", Rating: 8, Rationale: "Assesses wall motion abnormalities and ventricular function"},
				{Name: "Chest radiograph", Category: "may_be_appropriate", Rating: 5, Rationale: "Excludes alternative thoracic causes"},
				{Name: "Exercise stress test", Category: "usually_not_appropriate", Rating: 2, Rationale: "Contraindicated with elevated troponin"},
			},
		},
		{
			Description: "Minor head trauma in a child under two years, no loss of consciousness, normal neurologic exam",
			Panel:       "Neurologic",
			Topic:       "Head Trauma",
			RiskLevel:   "low",
			Population:  "pediatric",
			Tags:        []string{"head-trauma", "pediatric"},
			Procedures: []seedProcedure{
				{Name: "Clinical observation without imaging", Category: "usually_appropriate", Rating: 9, Rationale: "Low-risk presentation per pediatric head injury decision rules"},
				{Name: "CT head without contrast", Category: "may_be_appropriate", Rating: 4, Rationale: "Reserved for clinical deterioration"},
				{Name: "MRI head without contrast", Category: "may_be_appropriate", Rating: 4, Rationale: "Radiation-free alternative when imaging is warranted"},
			},
		},
		{
			Description: "Acute abdominal pain in a patient with stage 4 chronic kidney disease, eGFR below 30",
			Panel:       "Gastrointestinal",
			Topic:       "Acute Abdominal Pain",
			RiskLevel:   "moderate",
			Population:  "adult",
			Tags:        []string{"abdominal-pain", "renal-failure"},
			Procedures: []seedProcedure{
				{Name: "Ultrasound abdomen", Category: "usually_appropriate", Rating: 8, Rationale: "No contrast exposure, first-line for renal impairment"},
				{Name: "CT abdomen without contrast", Category: "usually_appropriate", Rating: 7, Rationale: "Avoids contrast nephropathy risk"},
				{Name: "CT abdomen with contrast", Category: "usually_not_appropriate", Rating: 3, Rationale: "Contrast contraindicated at this eGFR"},
			},
		},
		{
			Description: "New onset severe headache with focal neurologic deficit, adult patient",
			Panel:       "Neurologic",
			Topic:       "Headache",
			RiskLevel:   "high",
			Population:  "adult",
			Tags:        []string{"headache", "focal-deficit"},
			Procedures: []seedProcedure{
				{Name: "CT head without contrast", Category: "usually_appropriate", Rating: 9, Rationale: "Rapid exclusion of hemorrhage"},
				{Name: "MRI brain with and without contrast", Category: "usually_appropriate", Rating: 8, Rationale: "Best sensitivity for structural lesions"},
				{Name: "Lumbar puncture", Category: "may_be_appropriate", Rating: 5, Rationale: "When imaging is negative and subarachnoid hemorrhage remains suspected"},
			},
		},
		{
			Description: "Suspected pulmonary embolism, hemodynamically stable, elevated D-dimer, adult patient",
			Panel:       "Thoracic",
			Topic:       "Pulmonary Embolism",
			RiskLevel:   "high",
			Population:  "adult",
			Tags:        []string{"pe", "dyspnea", "d-dimer"},
			Procedures: []seedProcedure{
				{Name: "CT pulmonary angiography", Category: "usually_appropriate", Rating: 9, Rationale: "Definitive test for PE in stable patients"},
				{Name: "Ventilation-perfusion scan", Category: "may_be_appropriate", Rating: 6, Rationale: "Alternative when CT contrast is contraindicated"},
				{Name: "Lower extremity venous ultrasound", Category: "may_be_appropriate", Rating: 5, Rationale: "Positive result can obviate chest imaging"},
			},
		},
	}

	for _, s := range scenarios {
		vector, err := aiClient.Embed(ctx, s.Description, cfg.OpenAI.EmbeddingModel)
		if err != nil {
			log.Fatalf("Failed to embed scenario %q: %v", s.Topic, err)
		}

		scenarioID := uuid.New().String()
		_, err = db.ExecContext(ctx, `
			INSERT INTO clinical_scenarios (id, description, panel, topic, risk_level, population, tags, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, NOW())`,
			scenarioID, s.Description, s.Panel, s.Topic, s.RiskLevel, s.Population,
			pq.Array(s.Tags), database.VectorLiteral(vector),
		)
		if err != nil {
			log.Printf("Failed to create scenario %q: %v", s.Topic, err)
			continue
		}

		for _, p := range s.Procedures {
			_, err = db.ExecContext(ctx, `
				INSERT INTO procedure_recommendations (id, scenario_id, procedure_name, category, rating, rationale, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				uuid.New().String(), scenarioID, p.Name, p.Category, p.Rating, p.Rationale,
			)
			if err != nil {
				log.Printf("Failed to create recommendation %q for scenario %q: %v", p.Name, s.Topic, err)
			}
		}
	}

	log.Printf("Seeding completed: %d clinical scenarios", len(scenarios))
}
