package domain

type AssetCategory string

const (
	CategoryRealEstate AssetCategory = "REAL_ESTATE"
	CategoryGold       AssetCategory = "GOLD"
	CategoryVehicle    AssetCategory = "VEHICLE"
	CategoryArt        AssetCategory = "ART"
	CategoryEquipment  AssetCategory = "EQUIPMENT"
	CategoryCommodity  AssetCategory = "COMMODITY"
)

// Categories is the closed set of pledgeable asset classes. Issuance is
// wired per category, so the set is fixed at compile time.
var Categories = []AssetCategory{
	CategoryRealEstate,
	CategoryGold,
	CategoryVehicle,
	CategoryArt,
	CategoryEquipment,
	CategoryCommodity,
}

func ValidCategory(c AssetCategory) bool {
	switch c {
	case CategoryRealEstate, CategoryGold, CategoryVehicle, CategoryArt, CategoryEquipment, CategoryCommodity:
		return true
	}
	return false
}
