package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"digitserve/ml"
)

var database *sql.DB

// InitDB initializes the SQLite database
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_type VARCHAR(50),
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        training_samples INTEGER,
        test_samples INTEGER,
        augment_factor INTEGER,
        duration TEXT,
        trained_at DATETIME
    );
    `

	_, err = database.Exec(query)
	return err
}

// Close releases the database handle.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type TrainingRun struct {
	ModelType       string    `json:"model_type"`
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	TrainingSamples int       `json:"training_samples"`
	TestSamples     int       `json:"test_samples"`
	AugmentFactor   int       `json:"augment_factor"`
	Duration        string    `json:"duration"`
	TrainedAt       time.Time `json:"trained_at"`
}

// SaveTrainingRun appends one finished run to the history table.
func SaveTrainingRun(meta ml.Metadata) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO training_runs (
            model_type, accuracy, precision, recall, f1,
            training_samples, test_samples, augment_factor, duration, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		meta.ModelType,
		meta.Evaluation.Accuracy,
		meta.Evaluation.Precision,
		meta.Evaluation.Recall,
		meta.Evaluation.F1,
		meta.TrainingSamples,
		meta.TestSamples,
		meta.AugmentFactor,
		meta.Duration,
		meta.TrainedAt,
	)
	return err
}

// LoadTrainingRuns returns run history, newest first.
func LoadTrainingRuns(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := database.Query(`
        SELECT model_type, accuracy, precision, recall, f1,
               training_samples, test_samples, augment_factor, duration, trained_at
        FROM training_runs
        ORDER BY trained_at DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		if err := rows.Scan(
			&run.ModelType, &run.Accuracy, &run.Precision, &run.Recall, &run.F1,
			&run.TrainingSamples, &run.TestSamples, &run.AugmentFactor,
			&run.Duration, &run.TrainedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Recorder adapts the database to the training pipeline's RunRecorder.
type Recorder struct{}

func (Recorder) RecordRun(meta ml.Metadata) error {
	return SaveTrainingRun(meta)
}
