package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/order/domain"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedCache "github.com/davicafu/hexaretail/internal/shared/infra/platform/cache"
	sharedUtils "github.com/davicafu/hexaretail/internal/shared/infra/utils"
)

const orderCacheTTLSecs = 120

// OrderService define los casos de uso de pedidos e inventario.
// Los eventos de integración los registra el repositorio dentro de la misma transacción.
type OrderService struct {
	repo  domain.OrderRepository
	cache sharedCache.Cache
	clock sharedDomain.Clock
	log   *zap.Logger
}

func NewOrderService(repo domain.OrderRepository, cache sharedCache.Cache, log *zap.Logger) *OrderService {
	return &OrderService{
		repo:  repo,
		cache: cache,
		clock: sharedDomain.SystemClock{},
		log:   log,
	}
}

// PlaceOrder valida el pedido y lo guarda junto con el descuento de stock y sus eventos.
func (s *OrderService) PlaceOrder(ctx context.Context, tenantID, customerID string, lines []domain.OrderLine) (*domain.Order, error) {
	order, err := domain.NewOrder(tenantID, customerID, lines, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.PlaceOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrProductNotFound) {
			s.log.Warn("Order rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			s.log.Error("Failed to place order", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return nil, err
	}

	s.log.Info("🛒 Pedido registrado",
		zap.String("order_id", order.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.Int64("total", order.Total),
	)
	s.cacheOrder(order)
	return order, nil
}

// CancelOrder cancela un pedido placed y repone su stock.
func (s *OrderService) CancelOrder(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*domain.Order, error) {
	order, err := s.repo.CancelOrder(ctx, tenantID, id, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}

	s.log.Info("Pedido cancelado", zap.String("order_id", id.String()), zap.String("tenant_id", tenantID))
	s.cacheOrder(order)
	return order, nil
}

// GetOrder usa el patrón cache-aside con reintentos.
func (s *OrderService) GetOrder(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Order, error) {
	// 1. Intentar obtener de la caché
	if s.cache != nil {
		var o domain.Order
		if hit, _ := s.cache.Get(ctx, domain.OrderCacheKey(tenantID, id), &o); hit {
			return &o, nil
		}
	}

	// 2. Si es 'miss', ir al repositorio con reintentos
	var order *domain.Order
	err := sharedUtils.Retry(ctx, 3, 100*time.Millisecond, func() error {
		var errRetry error
		order, errRetry = s.repo.GetByID(ctx, tenantID, id)
		if errors.Is(errRetry, domain.ErrOrderNotFound) {
			return nil
		}
		return errRetry
	})
	if err != nil {
		s.log.Error("Failed to fetch order", zap.String("order_id", id.String()), zap.Error(err))
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	// 3. Actualizar caché en segundo plano para la próxima vez
	s.cacheOrder(order)
	return order, nil
}

// AdjustStock aplica una corrección manual de inventario.
func (s *OrderService) AdjustStock(ctx context.Context, tenantID, productID string, delta int, reason string) (int, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(productID) == "" {
		return 0, domain.ErrInvalidStockDelta
	}
	reason = sharedUtils.Ternary(strings.TrimSpace(reason) == "", domain.StockReasonAdjustment, reason)

	qty, err := s.repo.AdjustStock(ctx, tenantID, productID, delta, reason)
	if err != nil {
		return 0, err
	}
	s.log.Info("📦 Stock ajustado",
		zap.String("tenant_id", tenantID),
		zap.String("product_id", productID),
		zap.Int("delta", delta),
		zap.Int("quantity", qty),
	)
	return qty, nil
}

func (s *OrderService) GetStock(ctx context.Context, tenantID, productID string) (int, error) {
	return s.repo.GetStock(ctx, tenantID, productID)
}

func (s *OrderService) cacheOrder(o *domain.Order) {
	if s.cache == nil {
		return
	}
	go func(o domain.Order) {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		if err := s.cache.Set(cacheCtx, domain.OrderCacheKey(o.TenantID, o.ID), o, orderCacheTTLSecs); err != nil {
			s.log.Warn("⚠️ Cache update failed for order",
				zap.String("order_id", o.ID.String()),
				zap.Error(err),
			)
		}
	}(*o)
}
