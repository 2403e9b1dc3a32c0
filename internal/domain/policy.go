package domain

import (
	"fmt"
	"strings"
	"time"
)

// Asset: актив, в котором агент платит. Все суммы в минимальных неделимых единицах (microSTX, sats).
type Asset string

const (
	AssetSTX  Asset = "STX"
	AssetSBTC Asset = "SBTC"
)

// NormalizeAsset приводит код актива к каноническому виду ("sBTC" -> "SBTC").
func NormalizeAsset(raw string) Asset {
	return Asset(strings.ToUpper(strings.TrimSpace(raw)))
}

// Limits: лимиты политики по активам. Отсутствующий ключ означает лимит 0 (тратить нельзя).
type Limits struct {
	PerTx map[Asset]uint64 `json:"per_tx_limit" yaml:"per_tx_limit"`
	Daily map[Asset]uint64 `json:"daily_limit" yaml:"daily_limit"`
}

// PerTxLimit возвращает лимит на одну транзакцию (0, если актив не настроен).
func (l Limits) PerTxLimit(asset Asset) uint64 { return l.PerTx[asset] }

// DailyLimit возвращает дневной лимит (0, если актив не настроен).
func (l Limits) DailyLimit(asset Asset) uint64 { return l.Daily[asset] }

// Validate проверяет, что коды активов непустые. Отрицательных значений быть не может по типу.
func (l Limits) Validate() error {
	for _, m := range []map[Asset]uint64{l.PerTx, l.Daily} {
		for a := range m {
			if strings.TrimSpace(string(a)) == "" {
				return fmt.Errorf("%w: empty asset code in limits", ErrInvalidArgument)
			}
		}
	}
	return nil
}

// Normalized возвращает копию с каноническими кодами активов. Копия нужна, чтобы
// кэш реестра не разделял мапы с вызывающим кодом.
func (l Limits) Normalized() Limits {
	out := Limits{PerTx: make(map[Asset]uint64, len(l.PerTx)), Daily: make(map[Asset]uint64, len(l.Daily))}
	for a, v := range l.PerTx {
		out.PerTx[NormalizeAsset(string(a))] = v
	}
	for a, v := range l.Daily {
		out.Daily[NormalizeAsset(string(a))] = v
	}
	return out
}

// Policy: политика расходов агента. Одна на agent_id, владелец задается при создании и не меняется.
type Policy struct {
	AgentID string `json:"agent_id"`
	OwnerID string `json:"owner_id"` // Единственный, кто может менять политику, апрувы и lifecycle
	Limits

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOwner: проверка прав на изменение.
func (p *Policy) IsOwner(callerID string) bool {
	return p != nil && callerID != "" && p.OwnerID == callerID
}

// Clone: глубокая копия (мапы лимитов не должны утекать из реестра).
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.Limits = p.Limits.Normalized()
	return &c
}
