package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/autoguide/internal/guide/calibration"
)

var _ calibration.Store = (*DB)(nil)

// SaveCalibration stores a successful fit. Earlier rows are kept as
// history; LoadCalibration returns the newest.
func (db *DB) SaveCalibration(ctx context.Context, m calibration.Model) error {
	if !m.Calibrated {
		return fmt.Errorf("refusing to save an uncalibrated model")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO calibrations (
			focal_length_mm, pixel_size_x_um, pixel_size_y_um, bin_x, bin_y,
			angle_rad, ra_ms_per_pixel, dec_ms_per_pixel, swap_dec, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.FocalLength, m.PixelSizeX, m.PixelSizeY, m.BinX, m.BinY,
		m.Angle, m.RAMsPerPixel, m.DECMsPerPixel, m.SwapDEC, db.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration: %w", err)
	}
	return nil
}

// LoadCalibration returns the most recent calibration. ok is false when
// none has been saved.
func (db *DB) LoadCalibration(ctx context.Context) (calibration.Model, bool, error) {
	var m calibration.Model
	err := db.QueryRowContext(ctx, `
		SELECT focal_length_mm, pixel_size_x_um, pixel_size_y_um, bin_x, bin_y,
			angle_rad, ra_ms_per_pixel, dec_ms_per_pixel, swap_dec
		FROM calibrations ORDER BY calibration_id DESC LIMIT 1`,
	).Scan(&m.FocalLength, &m.PixelSizeX, &m.PixelSizeY, &m.BinX, &m.BinY,
		&m.Angle, &m.RAMsPerPixel, &m.DECMsPerPixel, &m.SwapDEC)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Model{}, false, nil
	}
	if err != nil {
		return calibration.Model{}, false, fmt.Errorf("failed to load calibration: %w", err)
	}
	m.Calibrated = true
	return m, true, nil
}

// CalibrationCount returns how many calibrations have been stored.
func (db *DB) CalibrationCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calibrations`).Scan(&n)
	return n, err
}
