package constant

type BackendType string

const (
	BackendIPSet    BackendType = "ipset"
	BackendNFTables BackendType = "nftables"
)

func (t BackendType) IsValid() bool {
	return t == BackendIPSet || t == BackendNFTables
}
