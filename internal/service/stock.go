package service

import (
	"context"
	"errors"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// stockCache is the Redis mirror of inventory counts.
type stockCache interface {
	ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	CommitStock(ctx context.Context, productID int64, quantity int) error
	InitInventory(ctx context.Context, productID int64, available, reserved int) error
}

// stockRecords is the inventory table. Writes join the transaction in ctx.
type stockRecords interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	ReserveStockTx(ctx context.Context, productID int64, quantity int) error
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	CommitStock(ctx context.Context, productID int64, quantity int) error
}

// StockKeeper holds units for agreements that ship after payment. The
// database row is authoritative; Redis answers "is there stock at all"
// without touching the row lock and is corrected whenever the two disagree.
type StockKeeper struct {
	records stockRecords
	cache   stockCache
	logger  *zap.Logger
}

// NewStockKeeper creates a stock keeper over the inventory table and its cache
func NewStockKeeper(records stockRecords, cache stockCache) *StockKeeper {
	return &StockKeeper{
		records: records,
		cache:   cache,
		logger:  util.GetLogger(),
	}
}

// ReserveStock holds quantity units of a product. It returns false when
// there is not enough stock.
func (k *StockKeeper) ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "StockKeeper.ReserveStock",
		attribute.Int64("product.id", productID), attribute.Int("quantity", quantity))
	defer span.End()

	held, err := k.cache.ReserveStock(ctx, productID, quantity)
	switch {
	case err != nil:
		util.InventoryCacheFallbackTotal.WithLabelValues("reserve").Inc()
		k.logger.Warn("Stock cache unavailable, reserving on the database only",
			zap.Int64("product_id", productID),
			zap.Error(err))
		return k.reserveRecord(ctx, productID, quantity)
	case !held:
		return false, nil
	}

	ok, err := k.reserveRecord(ctx, productID, quantity)
	if err != nil || !ok {
		if relErr := k.cache.ReleaseStock(ctx, productID, quantity); relErr != nil {
			k.logger.Error("Failed to undo cached reservation",
				zap.Int64("product_id", productID),
				zap.Error(relErr))
		}
	}
	return ok, err
}

func (k *StockKeeper) reserveRecord(ctx context.Context, productID int64, quantity int) (bool, error) {
	err := k.records.ReserveStockTx(ctx, productID, quantity)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// ReleaseStock puts a reservation back on sale
func (k *StockKeeper) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockKeeper.ReleaseStock", attribute.Int64("product.id", productID))
	defer span.End()

	if err := k.cache.ReleaseStock(ctx, productID, quantity); err != nil {
		util.InventoryCacheFallbackTotal.WithLabelValues("release").Inc()
		k.logger.Error("Failed to release cached stock",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	return k.records.ReleaseStock(ctx, productID, quantity)
}

// AbandonReservation returns the cached units of a reservation that was
// rolled back with its transaction. The inventory row is left alone.
func (k *StockKeeper) AbandonReservation(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockKeeper.AbandonReservation", attribute.Int64("product.id", productID))
	defer span.End()

	if err := k.cache.ReleaseStock(ctx, productID, quantity); err != nil {
		util.InventoryCacheFallbackTotal.WithLabelValues("abandon").Inc()
		return fmt.Errorf("failed to release cached stock: %w", err)
	}
	return nil
}

// CommitStock drops a reservation whose units have been paid for
func (k *StockKeeper) CommitStock(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockKeeper.CommitStock", attribute.Int64("product.id", productID))
	defer span.End()

	if err := k.cache.CommitStock(ctx, productID, quantity); err != nil {
		util.InventoryCacheFallbackTotal.WithLabelValues("commit").Inc()
		k.logger.Error("Failed to commit cached stock",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	return k.records.CommitStock(ctx, productID, quantity)
}

// WarmCache copies the inventory table into the cache. Products that fail
// are skipped and reported in the returned count.
func (k *StockKeeper) WarmCache(ctx context.Context) (failed int, err error) {
	products, err := k.records.GetProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		inv, err := k.records.GetInventory(ctx, product.ID)
		if err == nil {
			err = k.cache.InitInventory(ctx, product.ID, inv.Available, inv.Reserved)
		}
		if err != nil {
			failed++
			k.logger.Error("Failed to warm stock cache",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	k.logger.Info("Stock cache warmed",
		zap.Int("products", len(products)),
		zap.Int("failed", failed))
	return failed, nil
}
