package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/hexaretail/internal/shared/infra/platform/cache"
)

// Idempotent envuelve un handler para descartar entregas repetidas del mismo message-id.
// La entrega es at-least-once: la marca se guarda solo después de que el handler termina bien,
// y si la caché falla el mensaje se procesa igualmente.
func Idempotent(cache sharedCache.Cache, scope string, ttl time.Duration, next sharedBus.MessageHandler, log *zap.Logger) sharedBus.MessageHandler {
	ttlSecs := int(ttl.Seconds())
	return sharedBus.HandlerFunc(func(ctx context.Context, msg sharedBus.Message) error {
		if msg.ID == "" {
			return next.HandleMessage(ctx, msg)
		}
		key := "processed:" + scope + ":" + msg.ID

		var seen bool
		hit, err := cache.Get(ctx, key, &seen)
		if err != nil {
			log.Warn("⚠️ Error leyendo caché de idempotencia", zap.String("key", key), zap.Error(err))
		} else if hit {
			log.Debug("Mensaje duplicado descartado", zap.String("message_id", msg.ID), zap.String("scope", scope))
			return nil
		}

		if err := next.HandleMessage(ctx, msg); err != nil {
			return err
		}

		if err := cache.Set(ctx, key, true, ttlSecs); err != nil {
			log.Warn("⚠️ No se pudo guardar la marca de idempotencia", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
}
