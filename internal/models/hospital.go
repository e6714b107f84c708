package models

// Location 经纬度
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid 经纬度范围校验，(0,0) 视为未提供
func (l Location) Valid() bool {
	if l.Lat == 0 && l.Lng == 0 {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

type Availability struct {
	Beds       int `json:"beds"`
	Ambulances int `json:"ambulances"`
}

// Hospital 固定目录中的医院，运行期间不可变
type Hospital struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	Hotline      string       `json:"hotline"`
	Location     Location     `json:"location"`
	Availability Availability `json:"availability"`
}

var hospitals = []Hospital{
	{
		ID:           "H1",
		Name:         "University of Port Harcourt Teaching Hospital (UPTH)",
		Address:      "East West Rd, Choba, Port Harcourt",
		Hotline:      "+234 812 123 4567",
		Location:     Location{Lat: 4.908, Lng: 6.923},
		Availability: Availability{Beds: 24, Ambulances: 5},
	},
	{
		ID:           "H2",
		Name:         "Rivers State University Teaching Hospital (RSUTH)",
		Address:      "BMSH, 2 B Hospital Road, Port Harcourt",
		Hotline:      "+234 809 987 6543",
		Location:     Location{Lat: 4.781, Lng: 7.002},
		Availability: Availability{Beds: 18, Ambulances: 4},
	},
	{
		ID:           "H3",
		Name:         "Kelsey Harrison Hospital",
		Address:      "Emenike Street, Diobu, Port Harcourt",
		Hotline:      "+234 905 555 8888",
		Location:     Location{Lat: 4.775, Lng: 7.011},
		Availability: Availability{Beds: 9, Ambulances: 2},
	},
	{
		ID:           "H4",
		Name:         "Meridian Hospital",
		Address:      "21 Igbodo street, Old G.R.A, Port Harcourt",
		Hotline:      "+234 803 123 9876",
		Location:     Location{Lat: 4.832, Lng: 7.014},
		Availability: Availability{Beds: 12, Ambulances: 3},
	},
}

// Hospitals 返回目录副本
func Hospitals() []Hospital {
	out := make([]Hospital, len(hospitals))
	copy(out, hospitals)
	return out
}

func FindHospital(id string) (Hospital, bool) {
	for _, h := range hospitals {
		if h.ID == id {
			return h, true
		}
	}
	return Hospital{}, false
}
