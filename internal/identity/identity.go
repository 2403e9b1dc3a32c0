// Package identity приводит внешние идентификаторы сервисов и фасилитаторов к каноническому виду.
// Ядро (policy, approval, ledger, gate) сравнивает их как непрозрачные строки.
package identity

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manav2701/Aperture/internal/domain"
)

// NormalizeService: origin URL: scheme://host[:port] в нижнем регистре, без порта по умолчанию.
func NormalizeService(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: service url: %v", domain.ErrInvalidArgument, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: service url must be http(s): %q", domain.ErrInvalidArgument, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: service url has no host: %q", domain.ErrInvalidArgument, raw)
	}

	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]" // IPv6
	}
	return scheme + "://" + host, nil
}

// NormalizeFacilitator: канонический идентификатор аккаунта.
// 0x-адреса приводятся к EIP-55, Stacks principal: адрес в верхнем регистре, имя контракта как есть.
func NormalizeFacilitator(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty facilitator", domain.ErrInvalidArgument)
	}
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw).Hex(), nil
	}

	addr, contract, isContract := strings.Cut(raw, ".")
	addr = strings.ToUpper(addr)
	if strings.ContainsAny(addr, " /:") {
		return "", fmt.Errorf("%w: malformed facilitator %q", domain.ErrInvalidArgument, raw)
	}
	if isContract {
		if contract == "" {
			return "", fmt.Errorf("%w: malformed facilitator %q", domain.ErrInvalidArgument, raw)
		}
		return addr + "." + contract, nil
	}
	return addr, nil
}

// Normalize: по виду апрува.
func Normalize(kind domain.ApprovalKind, raw string) (string, error) {
	switch kind {
	case domain.KindService:
		return NormalizeService(raw)
	case domain.KindFacilitator:
		return NormalizeFacilitator(raw)
	default:
		return "", fmt.Errorf("%w: unknown approval kind %q", domain.ErrInvalidArgument, kind)
	}
}
